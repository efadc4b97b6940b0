package persistence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/abhogle/leadops-os-sub001/pkg/api"
)

// MongoStore is a Ledger backed by MongoDB.
//
// Each execution is one document that embeds its step history, so a
// Transition is a single UpdateOne whose filter carries the guard and whose
// update both $sets the state and $pushes the step.
type MongoStore struct {
	defs  *mongo.Collection
	execs *mongo.Collection
	now   func() time.Time
}

// Ensure MongoStore implements Ledger.
var _ Ledger = (*MongoStore)(nil)

// NewMongoStore creates a Mongo-backed ledger and its indexes.
// dbName defaults to "leadflow".
func NewMongoStore(ctx context.Context, client *mongo.Client, dbName string) (*MongoStore, error) {
	if dbName == "" {
		dbName = "leadflow"
	}
	db := client.Database(dbName)
	s := &MongoStore{
		defs:  db.Collection("definitions"),
		execs: db.Collection("executions"),
		now:   time.Now,
	}

	if _, err := s.defs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "id", Value: 1}, {Key: "version", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return nil, fmt.Errorf("create definition index: %w", err)
	}
	if _, err := s.execs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "updated_at", Value: 1}}},
		{Keys: bson.D{{Key: "definition_id", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: 1}}},
	}); err != nil {
		return nil, fmt.Errorf("create execution indexes: %w", err)
	}
	return s, nil
}

type mongoDefinitionDoc struct {
	Key            string `bson:"_id"`
	ID             string `bson:"id"`
	Version        int    `bson:"version"`
	OrganizationID string `bson:"organization_id"`
	Name           string `bson:"name"`
	Industry       string `bson:"industry"`
	Active         bool   `bson:"active"`
	Graph          []byte `bson:"graph"`
	CreatedAt      int64  `bson:"created_at"`
}

func (d mongoDefinitionDoc) definition() (*api.Definition, error) {
	def := &api.Definition{
		ID:             d.ID,
		Version:        d.Version,
		OrganizationID: d.OrganizationID,
		Name:           d.Name,
		Industry:       d.Industry,
		Active:         d.Active,
		CreatedAt:      time.Unix(0, d.CreatedAt).UTC(),
	}
	if err := decodeGraph(d.Graph, def); err != nil {
		return nil, err
	}
	return def, nil
}

type mongoStepDoc struct {
	ID        string `bson:"id"`
	NodeID    string `bson:"node_id"`
	NodeType  string `bson:"node_type"`
	Status    string `bson:"status"`
	Branch    string `bson:"branch,omitempty"`
	Error     string `bson:"error,omitempty"`
	Attempt   int    `bson:"attempt"`
	CreatedAt int64  `bson:"created_at"`
}

func newMongoStepDoc(st *api.StepExecution) mongoStepDoc {
	return mongoStepDoc{
		ID:        st.ID,
		NodeID:    st.NodeID,
		NodeType:  string(st.NodeType),
		Status:    string(st.Status),
		Branch:    st.Branch,
		Error:     st.Error,
		Attempt:   st.Attempt,
		CreatedAt: st.CreatedAt.UnixNano(),
	}
}

type mongoExecutionDoc struct {
	ID                string         `bson:"_id"`
	DefinitionID      string         `bson:"definition_id"`
	DefinitionVersion int            `bson:"definition_version"`
	OrganizationID    string         `bson:"organization_id"`
	SubjectRef        string         `bson:"subject_ref"`
	CurrentNodeID     string         `bson:"current_node_id"`
	Status            string         `bson:"status"`
	Context           []byte         `bson:"context"`
	ResumeAt          int64          `bson:"resume_at"`
	LastError         string         `bson:"last_error"`
	FailedNodeID      string         `bson:"failed_node_id"`
	CreatedAt         int64          `bson:"created_at"`
	UpdatedAt         int64          `bson:"updated_at"`
	Steps             []mongoStepDoc `bson:"steps"`
}

func (d mongoExecutionDoc) execution() (*api.Execution, error) {
	data, err := decodeContext(d.Context)
	if err != nil {
		return nil, err
	}
	e := &api.Execution{
		ID:                d.ID,
		DefinitionID:      d.DefinitionID,
		DefinitionVersion: d.DefinitionVersion,
		OrganizationID:    d.OrganizationID,
		SubjectRef:        d.SubjectRef,
		CurrentNodeID:     d.CurrentNodeID,
		Status:            api.Status(d.Status),
		Context:           data,
		LastError:         d.LastError,
		FailedNodeID:      d.FailedNodeID,
		CreatedAt:         time.Unix(0, d.CreatedAt).UTC(),
		UpdatedAt:         time.Unix(0, d.UpdatedAt).UTC(),
	}
	if d.ResumeAt > 0 {
		t := time.Unix(0, d.ResumeAt).UTC()
		e.ResumeAt = &t
	}
	return e, nil
}

func resumeAtNano(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixNano()
}

// withoutSteps keeps step history out of execution reads.
var withoutSteps = bson.M{"steps": 0}

func (s *MongoStore) SaveDefinition(ctx context.Context, def *api.Definition) (*api.Definition, error) {
	graph, err := encodeGraph(def)
	if err != nil {
		return nil, err
	}

	latest := 0
	var last mongoDefinitionDoc
	err = s.defs.FindOne(ctx, bson.M{"id": def.ID},
		options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}})).Decode(&last)
	switch {
	case err == nil:
		latest = last.Version
	case !errors.Is(err, mongo.ErrNoDocuments):
		return nil, err
	}

	stored := def.Clone()
	stored.Version = nextVersion(def.Version, latest)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now().UTC()
	}
	doc := mongoDefinitionDoc{
		Key:            stored.ID + "@" + strconv.Itoa(stored.Version),
		ID:             stored.ID,
		Version:        stored.Version,
		OrganizationID: stored.OrganizationID,
		Name:           stored.Name,
		Industry:       stored.Industry,
		Active:         stored.Active,
		Graph:          graph,
		CreatedAt:      stored.CreatedAt.UnixNano(),
	}
	if _, err := s.defs.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("%s v%d: %w", def.ID, stored.Version, ErrVersionConflict)
		}
		return nil, err
	}
	return stored, nil
}

func (s *MongoStore) GetDefinition(ctx context.Context, id string, version int) (*api.Definition, error) {
	filter := bson.M{"id": id}
	if version == 0 {
		filter["active"] = true
	} else {
		filter["version"] = version
	}
	var doc mongoDefinitionDoc
	err := s.defs.FindOne(ctx, filter,
		options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%s v%d: %w", id, version, ErrDefinitionNotFound)
	}
	if err != nil {
		return nil, err
	}
	return doc.definition()
}

func (s *MongoStore) ListDefinitions(ctx context.Context) ([]*api.Definition, error) {
	cur, err := s.defs.Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "id", Value: 1}, {Key: "version", Value: -1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*api.Definition
	seen := map[string]bool{}
	for cur.Next(ctx) {
		var doc mongoDefinitionDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		if seen[doc.ID] {
			continue
		}
		seen[doc.ID] = true
		def, err := doc.definition()
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, cur.Err()
}

func (s *MongoStore) CreateExecution(ctx context.Context, exec *api.Execution) error {
	data, err := encodeContext(exec.Context)
	if err != nil {
		return err
	}
	_, err = s.execs.InsertOne(ctx, mongoExecutionDoc{
		ID:                exec.ID,
		DefinitionID:      exec.DefinitionID,
		DefinitionVersion: exec.DefinitionVersion,
		OrganizationID:    exec.OrganizationID,
		SubjectRef:        exec.SubjectRef,
		CurrentNodeID:     exec.CurrentNodeID,
		Status:            string(exec.Status),
		Context:           data,
		ResumeAt:          resumeAtNano(exec.ResumeAt),
		LastError:         exec.LastError,
		FailedNodeID:      exec.FailedNodeID,
		CreatedAt:         exec.CreatedAt.UnixNano(),
		UpdatedAt:         exec.UpdatedAt.UnixNano(),
		Steps:             []mongoStepDoc{},
	})
	return err
}

func (s *MongoStore) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	var doc mongoExecutionDoc
	err := s.execs.FindOne(ctx, bson.M{"_id": id}, options.FindOne().SetProjection(withoutSteps)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%s: %w", id, ErrExecutionNotFound)
	}
	if err != nil {
		return nil, err
	}
	return doc.execution()
}

func (s *MongoStore) ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.Execution, error) {
	bfilter := bson.M{}
	if filter.DefinitionID != "" {
		bfilter["definition_id"] = filter.DefinitionID
	}
	if filter.SubjectRef != "" {
		bfilter["subject_ref"] = filter.SubjectRef
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		bfilter["status"] = bson.M{"$in": statuses}
	}
	if !filter.UpdatedBefore.IsZero() {
		bfilter["updated_at"] = bson.M{"$lt": filter.UpdatedBefore.UnixNano()}
	}

	opts := options.Find().
		SetProjection(withoutSteps).
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cur, err := s.execs.Find(ctx, bfilter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var results []*api.Execution
	for cur.Next(ctx) {
		var doc mongoExecutionDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		exec, err := doc.execution()
		if err != nil {
			return nil, err
		}
		results = append(results, exec)
	}
	return results, cur.Err()
}

func (s *MongoStore) Transition(ctx context.Context, t Transition) error {
	t.stamp(s.now().UTC())
	exec := t.Execution
	data, err := encodeContext(exec.Context)
	if err != nil {
		return err
	}

	filter := bson.M{"_id": exec.ID}
	if t.Guard.NodeID != "" {
		filter["current_node_id"] = t.Guard.NodeID
	}
	if len(t.Guard.Statuses) > 0 {
		statuses := make([]string, len(t.Guard.Statuses))
		for i, st := range t.Guard.Statuses {
			statuses[i] = string(st)
		}
		filter["status"] = bson.M{"$in": statuses}
	}

	update := bson.M{
		"$set": bson.M{
			"current_node_id": exec.CurrentNodeID,
			"status":          string(exec.Status),
			"context":         data,
			"resume_at":       resumeAtNano(exec.ResumeAt),
			"last_error":      exec.LastError,
			"failed_node_id":  exec.FailedNodeID,
			"updated_at":      exec.UpdatedAt.UnixNano(),
		},
	}
	if t.Step != nil {
		update["$push"] = bson.M{"steps": newMongoStepDoc(t.Step)}
	}

	res, err := s.execs.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		n, err := s.execs.CountDocuments(ctx, bson.M{"_id": exec.ID})
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%s: %w", exec.ID, ErrExecutionNotFound)
		}
		return ErrStaleTransition
	}
	return nil
}

func (s *MongoStore) AppendStep(ctx context.Context, step *api.StepExecution) error {
	prepareStep(step, s.now().UTC())
	res, err := s.execs.UpdateOne(ctx,
		bson.M{"_id": step.ExecutionID},
		bson.M{"$push": bson.M{"steps": newMongoStepDoc(step)}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s: %w", step.ExecutionID, ErrExecutionNotFound)
	}
	return nil
}

func (s *MongoStore) ListSteps(ctx context.Context, executionID string) ([]*api.StepExecution, error) {
	var doc struct {
		Steps []mongoStepDoc `bson:"steps"`
	}
	err := s.execs.FindOne(ctx, bson.M{"_id": executionID},
		options.FindOne().SetProjection(bson.M{"steps": 1})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	out := make([]*api.StepExecution, len(doc.Steps))
	for i, st := range doc.Steps {
		out[i] = &api.StepExecution{
			ID:          st.ID,
			ExecutionID: executionID,
			NodeID:      st.NodeID,
			NodeType:    api.NodeType(st.NodeType),
			Status:      api.StepStatus(st.Status),
			Branch:      st.Branch,
			Error:       st.Error,
			Attempt:     st.Attempt,
			CreatedAt:   time.Unix(0, st.CreatedAt).UTC(),
		}
	}
	return out, nil
}
