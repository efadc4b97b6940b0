package taskqueue

import (
	"bytes"
	"encoding/gob"
	"time"
)

// encodedJob is the stable part of a Job stored by key-value backends.
// Lease state, attempts and errors live in separate structures so they can be
// changed atomically without rewriting the payload.
type encodedJob struct {
	ID          string
	Queue       string
	ExecutionID string
	NodeID      string
	EnqueuedAt  int64
}

// EncodeJob gob-encodes the stable fields of a Job.
func EncodeJob(j Job) ([]byte, error) {
	var buf bytes.Buffer
	payload := encodedJob{
		ID:          j.ID,
		Queue:       j.Queue,
		ExecutionID: j.ExecutionID,
		NodeID:      j.NodeID,
		EnqueuedAt:  j.EnqueuedAt.UnixNano(),
	}
	if err := gob.NewEncoder(&buf).Encode(&payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeJob gob-decodes a Job written by EncodeJob.
func DecodeJob(data []byte) (*Job, error) {
	var payload encodedJob
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&payload); err != nil {
		return nil, err
	}
	j := &Job{
		ID:          payload.ID,
		Queue:       payload.Queue,
		ExecutionID: payload.ExecutionID,
		NodeID:      payload.NodeID,
	}
	if payload.EnqueuedAt != 0 {
		j.EnqueuedAt = unixNano(payload.EnqueuedAt)
	}
	return j, nil
}

func unixNano(ns int64) time.Time {
	return time.Unix(0, ns)
}
