package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoQueue implements Queue on top of MongoDB.
//
// Document schema:
//
//	{
//	  _id:              string,
//	  queue:            string,
//	  execution_id:     string,
//	  node_id:          string,
//	  attempts:         int,
//	  not_before:       int64 (unix ns),
//	  enqueued_at:      int64 (unix ns),
//	  leased_by:        string,
//	  lease_expires_at: int64 (unix ns),
//	  last_error:       string,
//	  dead_at:          int64 (unix ns, 0 while live),
//	}
//
// Claims use FindOneAndUpdate with a lease filter, which is atomic per document.
type MongoQueue struct {
	coll *mongo.Collection
	name string
	opts Options
}

// NewMongoQueue creates a Mongo-backed queue and its indexes.
// dbName defaults to "leadflow", collName to "jobs".
func NewMongoQueue(ctx context.Context, client *mongo.Client, dbName, collName, name string, opts Options) (*MongoQueue, error) {
	if dbName == "" {
		dbName = "leadflow"
	}
	if collName == "" {
		collName = "jobs"
	}
	q := &MongoQueue{
		coll: client.Database(dbName).Collection(collName),
		name: name,
		opts: opts.withDefaults(100 * time.Millisecond),
	}
	_, err := q.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "queue", Value: 1}, {Key: "dead_at", Value: 1}, {Key: "not_before", Value: 1}}},
		{Keys: bson.D{{Key: "execution_id", Value: 1}, {Key: "node_id", Value: 1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("create job indexes: %w", err)
	}
	return q, nil
}

// Ensure MongoQueue implements Queue.
var _ Queue = (*MongoQueue)(nil)

type mongoJobDoc struct {
	ID             string `bson:"_id"`
	Queue          string `bson:"queue"`
	ExecutionID    string `bson:"execution_id"`
	NodeID         string `bson:"node_id"`
	Attempts       int    `bson:"attempts"`
	NotBefore      int64  `bson:"not_before"`
	EnqueuedAt     int64  `bson:"enqueued_at"`
	LeasedBy       string `bson:"leased_by"`
	LeaseExpiresAt int64  `bson:"lease_expires_at"`
	LastError      string `bson:"last_error"`
	DeadAt         int64  `bson:"dead_at"`
}

func (d mongoJobDoc) job() *Job {
	j := &Job{
		ID:          d.ID,
		Queue:       d.Queue,
		ExecutionID: d.ExecutionID,
		NodeID:      d.NodeID,
		Attempts:    d.Attempts,
		NotBefore:   unixNano(d.NotBefore),
		EnqueuedAt:  unixNano(d.EnqueuedAt),
		LeaseOwner:  d.LeasedBy,
		LastError:   d.LastError,
	}
	if d.LeaseExpiresAt > 0 {
		j.LeaseExpiresAt = unixNano(d.LeaseExpiresAt)
	}
	if d.DeadAt > 0 {
		j.DeadAt = unixNano(d.DeadAt)
	}
	return j
}

func (q *MongoQueue) Name() string { return q.name }

// Enqueue inserts a document for the given Job.
func (q *MongoQueue) Enqueue(ctx context.Context, j Job) (string, error) {
	if j.ID == "" {
		j.ID = newJobID()
	}
	now := q.opts.Now()
	nb := j.NotBefore
	if nb.IsZero() {
		nb = now
	}
	doc := mongoJobDoc{
		ID:          j.ID,
		Queue:       q.name,
		ExecutionID: j.ExecutionID,
		NodeID:      j.NodeID,
		Attempts:    j.Attempts,
		NotBefore:   nb.UnixNano(),
		EnqueuedAt:  now.UnixNano(),
	}
	if _, err := q.coll.InsertOne(ctx, doc); err != nil {
		return "", err
	}
	return j.ID, nil
}

// Claim polls until a job is available or ctx is cancelled.
func (q *MongoQueue) Claim(ctx context.Context, owner string, visibility time.Duration) (*Job, error) {
	if visibility <= 0 {
		return nil, errors.New("visibility must be > 0")
	}
	tmr := newPollTimer()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := q.opts.Now()
		nowInt := now.UnixNano()
		filter := bson.M{
			"queue":      q.name,
			"dead_at":    int64(0),
			"not_before": bson.M{"$lte": nowInt},
			"$or": []bson.M{
				{"leased_by": ""},
				{"lease_expires_at": bson.M{"$lte": nowInt}},
			},
		}
		update := bson.M{
			"$set": bson.M{"leased_by": owner, "lease_expires_at": now.Add(visibility).UnixNano()},
			"$inc": bson.M{"attempts": 1},
		}
		opts := options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "not_before", Value: 1}, {Key: "enqueued_at", Value: 1}}).
			SetReturnDocument(options.After)

		var doc mongoJobDoc
		err := q.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		if err == nil {
			return doc.job(), nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, err
		}
		if err := waitPoll(ctx, tmr, q.opts.PollInterval); err != nil {
			return nil, err
		}
	}
}

func (q *MongoQueue) leaseFilter(jobID, owner string) bson.M {
	return bson.M{
		"_id":              jobID,
		"queue":            q.name,
		"dead_at":          int64(0),
		"leased_by":        owner,
		"lease_expires_at": bson.M{"$gt": q.opts.Now().UnixNano()},
	}
}

func (q *MongoQueue) Ack(ctx context.Context, jobID, owner string) error {
	res, err := q.coll.DeleteOne(ctx, q.leaseFilter(jobID, owner))
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *MongoQueue) Fail(ctx context.Context, jobID, owner string, f Failure) (FailResult, error) {
	var doc mongoJobDoc
	err := q.coll.FindOne(ctx, q.leaseFilter(jobID, owner)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return FailResult{}, ErrLeaseLost
	}
	if err != nil {
		return FailResult{}, err
	}

	now := q.opts.Now()
	res := q.opts.Policy.decide(doc.Attempts, f, now)
	set := bson.M{
		"leased_by":        "",
		"lease_expires_at": int64(0),
		"last_error":       f.message(),
	}
	if res.DeadLettered {
		set["dead_at"] = now.UnixNano()
	} else {
		set["not_before"] = res.NextAttemptAt.UnixNano()
	}

	// The attempts filter fences out a reclaim that happened in between.
	filter := q.leaseFilter(jobID, owner)
	filter["attempts"] = doc.Attempts
	upd, err := q.coll.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return FailResult{}, err
	}
	if upd.MatchedCount == 0 {
		return FailResult{}, ErrLeaseLost
	}
	return res, nil
}

func (q *MongoQueue) RenewLease(ctx context.Context, jobID, owner string, visibility time.Duration) error {
	res, err := q.coll.UpdateOne(ctx,
		q.leaseFilter(jobID, owner),
		bson.M{"$set": bson.M{"lease_expires_at": q.opts.Now().Add(visibility).UnixNano()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *MongoQueue) DeadLetters(ctx context.Context, limit int) ([]Job, error) {
	opts := options.Find().SetSort(bson.D{{Key: "dead_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := q.coll.Find(ctx, bson.M{"queue": q.name, "dead_at": bson.M{"$gt": 0}}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []Job
	for cur.Next(ctx) {
		var doc mongoJobDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, *doc.job())
	}
	return out, cur.Err()
}

func (q *MongoQueue) Redrive(ctx context.Context, jobID string) (*Job, error) {
	var doc mongoJobDoc
	err := q.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": jobID, "queue": q.name, "dead_at": bson.M{"$gt": 0}},
		bson.M{"$set": bson.M{"dead_at": int64(0), "attempts": 0, "not_before": q.opts.Now().UnixNano()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("redrive %s: %w", jobID, ErrJobNotFound)
	}
	if err != nil {
		return nil, err
	}
	return doc.job(), nil
}

func (q *MongoQueue) HasJob(ctx context.Context, executionID, nodeID string) (bool, error) {
	n, err := q.coll.CountDocuments(ctx,
		bson.M{"queue": q.name, "execution_id": executionID, "node_id": nodeID, "dead_at": int64(0)},
		options.Count().SetLimit(1),
	)
	return n > 0, err
}

// Len returns the number of live jobs.
func (q *MongoQueue) Len(ctx context.Context) (int, error) {
	n, err := q.coll.CountDocuments(ctx, bson.M{"queue": q.name, "dead_at": int64(0)})
	return int(n), err
}
