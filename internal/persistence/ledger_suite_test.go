package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/abhogle/leadops-os-sub001/pkg/api"
)

// LedgerSuite runs the same behavioural checks against every backend.
// Ids are randomised per test so backends may share one database.
type LedgerSuite struct {
	suite.Suite

	newLedger func() Ledger

	ledger Ledger
	ctx    context.Context
}

func (s *LedgerSuite) SetupTest() {
	s.ctx = context.Background()
	s.ledger = s.newLedger()
}

func sampleDefinition(id string) *api.Definition {
	return &api.Definition{
		ID:     id,
		Name:   "Speed to lead",
		Active: true,
		Nodes: map[string]api.Node{
			"start": {ID: "start", Type: api.NodeStart, Config: api.StartConfig{}},
			"sms":   {ID: "sms", Type: api.NodeAction, Config: api.ActionConfig{Action: "sms.send", Params: map[string]any{"template": "hello"}}},
			"done":  {ID: "done", Type: api.NodeEnd, Config: api.EndConfig{Reason: "contacted"}},
		},
		Edges: []api.Edge{
			{From: "start", To: "sms"},
			{From: "sms", To: "done"},
		},
	}
}

func (s *LedgerSuite) newExecution() *api.Execution {
	now := time.Now().UTC()
	exec := &api.Execution{
		ID:                "exec-" + uuid.NewString(),
		DefinitionID:      "def-" + uuid.NewString()[:8],
		DefinitionVersion: 1,
		SubjectRef:        "lead-42",
		CurrentNodeID:     "start",
		Status:            api.StatusRunning,
		Context:           map[string]any{"lead_name": "Ada", "score": 7.0},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	s.Require().NoError(s.ledger.CreateExecution(s.ctx, exec))
	return exec
}

func (s *LedgerSuite) TestDefinitionVersioning() {
	id := "def-" + uuid.NewString()[:8]

	v1, err := s.ledger.SaveDefinition(s.ctx, sampleDefinition(id))
	s.Require().NoError(err)
	s.Equal(1, v1.Version)
	s.False(v1.CreatedAt.IsZero())

	v2def := sampleDefinition(id)
	v2def.Name = "Speed to lead v2"
	v2, err := s.ledger.SaveDefinition(s.ctx, v2def)
	s.Require().NoError(err)
	s.Equal(2, v2.Version)

	_, err = s.ledger.SaveDefinition(s.ctx, &api.Definition{
		ID: id, Version: 2, Name: "dup", Active: true,
		Nodes: sampleDefinition(id).Nodes, Edges: sampleDefinition(id).Edges,
	})
	s.ErrorIs(err, ErrVersionConflict)

	latest, err := s.ledger.GetDefinition(s.ctx, id, 0)
	s.Require().NoError(err)
	s.Equal(2, latest.Version)
	s.Equal("Speed to lead v2", latest.Name)

	first, err := s.ledger.GetDefinition(s.ctx, id, 1)
	s.Require().NoError(err)
	s.Equal("Speed to lead", first.Name)
	s.Require().Len(first.Nodes, 3)
	s.Equal(api.NodeAction, first.Nodes["sms"].Type)
	cfg, ok := first.Nodes["sms"].Config.(api.ActionConfig)
	s.Require().True(ok, "config decoded as %T", first.Nodes["sms"].Config)
	s.Equal("sms.send", cfg.Action)
	s.Equal("hello", cfg.Params["template"])
	s.Equal(api.EndConfig{Reason: "contacted"}, first.Nodes["done"].Config)
	s.ElementsMatch(sampleDefinition(id).Edges, first.Edges)

	_, err = s.ledger.GetDefinition(s.ctx, id, 9)
	s.ErrorIs(err, ErrDefinitionNotFound)
	_, err = s.ledger.GetDefinition(s.ctx, "missing-"+uuid.NewString(), 0)
	s.ErrorIs(err, ErrDefinitionNotFound)
}

func (s *LedgerSuite) TestLatestActiveVersionSkipsInactive() {
	id := "def-" + uuid.NewString()[:8]
	_, err := s.ledger.SaveDefinition(s.ctx, sampleDefinition(id))
	s.Require().NoError(err)

	draft := sampleDefinition(id)
	draft.Active = false
	saved, err := s.ledger.SaveDefinition(s.ctx, draft)
	s.Require().NoError(err)
	s.Equal(2, saved.Version)

	got, err := s.ledger.GetDefinition(s.ctx, id, 0)
	s.Require().NoError(err)
	s.Equal(1, got.Version)

	all, err := s.ledger.ListDefinitions(s.ctx)
	s.Require().NoError(err)
	var found *api.Definition
	for _, d := range all {
		if d.ID == id {
			found = d
		}
	}
	s.Require().NotNil(found)
	s.Equal(2, found.Version, "listing reports the newest version")
}

func (s *LedgerSuite) TestCreateAndGetExecution() {
	exec := s.newExecution()

	got, err := s.ledger.GetExecution(s.ctx, exec.ID)
	s.Require().NoError(err)
	s.Equal(exec.ID, got.ID)
	s.Equal(exec.DefinitionID, got.DefinitionID)
	s.Equal(1, got.DefinitionVersion)
	s.Equal("lead-42", got.SubjectRef)
	s.Equal("start", got.CurrentNodeID)
	s.Equal(api.StatusRunning, got.Status)
	s.Equal("Ada", got.Context["lead_name"])
	s.EqualValues(7, got.Context["score"])
	s.Nil(got.ResumeAt)
	s.WithinDuration(exec.CreatedAt, got.CreatedAt, time.Millisecond)

	_, err = s.ledger.GetExecution(s.ctx, "exec-missing")
	s.ErrorIs(err, ErrExecutionNotFound)
}

func (s *LedgerSuite) TestGuardedTransitionAppliesOnce() {
	exec := s.newExecution()

	next := exec.Clone()
	next.CurrentNodeID = "sms"
	next.Context["greeted"] = true
	next.UpdatedAt = time.Now().UTC()
	t := Transition{
		Guard:     Guard{NodeID: "start", Statuses: []api.Status{api.StatusRunning}},
		Execution: next,
		Step: &api.StepExecution{
			ExecutionID: exec.ID, NodeID: "start", NodeType: api.NodeStart,
			Status: api.StepSuccess, Attempt: 1,
		},
	}
	s.Require().NoError(s.ledger.Transition(s.ctx, t))

	// A duplicate delivery carries the same expectation and must be rejected.
	dup := t
	dup.Step = &api.StepExecution{ExecutionID: exec.ID, NodeID: "start", NodeType: api.NodeStart, Status: api.StepSuccess, Attempt: 2}
	s.ErrorIs(s.ledger.Transition(s.ctx, dup), ErrStaleTransition)

	got, err := s.ledger.GetExecution(s.ctx, exec.ID)
	s.Require().NoError(err)
	s.Equal("sms", got.CurrentNodeID)
	s.Equal(true, got.Context["greeted"])

	steps, err := s.ledger.ListSteps(s.ctx, exec.ID)
	s.Require().NoError(err)
	s.Require().Len(steps, 1, "a rejected transition must not write its step")
	s.NotEmpty(steps[0].ID)
	s.Equal("start", steps[0].NodeID)
	s.Equal(api.StepSuccess, steps[0].Status)
	s.Equal(1, steps[0].Attempt)
}

func (s *LedgerSuite) TestTransitionGuardsOnStatus() {
	exec := s.newExecution()

	done := exec.Clone()
	done.Status = api.StatusCancelled
	s.Require().NoError(s.ledger.Transition(s.ctx, Transition{
		Guard:     Guard{Statuses: api.ActiveStatuses},
		Execution: done,
	}))

	again := exec.Clone()
	again.Status = api.StatusCancelled
	err := s.ledger.Transition(s.ctx, Transition{
		Guard:     Guard{Statuses: api.ActiveStatuses},
		Execution: again,
	})
	s.ErrorIs(err, ErrStaleTransition)

	missing := exec.Clone()
	missing.ID = "exec-missing"
	s.ErrorIs(s.ledger.Transition(s.ctx, Transition{Execution: missing}), ErrExecutionNotFound)
}

func (s *LedgerSuite) TestWaitingStateRoundTrips() {
	exec := s.newExecution()
	resume := time.Now().Add(2 * time.Hour).UTC()

	waiting := exec.Clone()
	waiting.CurrentNodeID = "sms"
	waiting.Status = api.StatusWaiting
	waiting.ResumeAt = &resume
	s.Require().NoError(s.ledger.Transition(s.ctx, Transition{
		Guard:     Guard{NodeID: "start", Statuses: []api.Status{api.StatusRunning}},
		Execution: waiting,
	}))

	got, err := s.ledger.GetExecution(s.ctx, exec.ID)
	s.Require().NoError(err)
	s.Equal(api.StatusWaiting, got.Status)
	s.Require().NotNil(got.ResumeAt)
	s.WithinDuration(resume, *got.ResumeAt, time.Millisecond)

	failed := got.Clone()
	failed.Status = api.StatusFailed
	failed.ResumeAt = nil
	failed.LastError = "provider unavailable"
	failed.FailedNodeID = "sms"
	s.Require().NoError(s.ledger.Transition(s.ctx, Transition{
		Guard:     Guard{NodeID: "sms", Statuses: []api.Status{api.StatusWaiting}},
		Execution: failed,
	}))

	got, err = s.ledger.GetExecution(s.ctx, exec.ID)
	s.Require().NoError(err)
	s.Equal(api.StatusFailed, got.Status)
	s.Nil(got.ResumeAt)
	s.Equal("provider unavailable", got.LastError)
	s.Equal("sms", got.FailedNodeID)
}

func (s *LedgerSuite) TestConcurrentTransitionsHaveOneWinner() {
	exec := s.newExecution()

	const racers = 8
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		stale   atomic.Int32
	)
	for i := range racers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := exec.Clone()
			next.CurrentNodeID = "sms"
			err := s.ledger.Transition(s.ctx, Transition{
				Guard:     Guard{NodeID: "start", Statuses: []api.Status{api.StatusRunning}},
				Execution: next,
				Step:      &api.StepExecution{ExecutionID: exec.ID, NodeID: "start", NodeType: api.NodeStart, Status: api.StepSuccess, Attempt: i + 1},
			})
			switch {
			case err == nil:
				winners.Add(1)
			case isStale(err):
				stale.Add(1)
			default:
				s.T().Errorf("unexpected transition error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	s.Equal(int32(1), winners.Load())
	s.Equal(int32(racers-1), stale.Load())
	steps, err := s.ledger.ListSteps(s.ctx, exec.ID)
	s.Require().NoError(err)
	s.Len(steps, 1)
}

func (s *LedgerSuite) TestAppendStepKeepsOrder() {
	exec := s.newExecution()
	for i := 1; i <= 3; i++ {
		s.Require().NoError(s.ledger.AppendStep(s.ctx, &api.StepExecution{
			ExecutionID: exec.ID,
			NodeID:      "sms",
			NodeType:    api.NodeAction,
			Status:      api.StepFailed,
			Error:       "timeout",
			Attempt:     i,
		}))
	}

	steps, err := s.ledger.ListSteps(s.ctx, exec.ID)
	s.Require().NoError(err)
	s.Require().Len(steps, 3)
	for i, st := range steps {
		s.Equal(i+1, st.Attempt)
		s.Equal(api.StepFailed, st.Status)
		s.Equal("timeout", st.Error)
		s.Equal(exec.ID, st.ExecutionID)
	}

	none, err := s.ledger.ListSteps(s.ctx, "exec-without-steps")
	s.Require().NoError(err)
	s.Empty(none)
}

func (s *LedgerSuite) TestListExecutionsFilters() {
	a := s.newExecution()
	b := s.newExecution()
	s.Require().NoError(s.ledger.CreateExecution(s.ctx, &api.Execution{
		ID:            "exec-" + uuid.NewString(),
		DefinitionID:  a.DefinitionID,
		SubjectRef:    "lead-7",
		CurrentNodeID: "done",
		Status:        api.StatusCompleted,
		Context:       map[string]any{},
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}))

	byDef, err := s.ledger.ListExecutions(s.ctx, api.ExecutionFilter{DefinitionID: a.DefinitionID})
	s.Require().NoError(err)
	s.Len(byDef, 2)

	running, err := s.ledger.ListExecutions(s.ctx, api.ExecutionFilter{
		DefinitionID: a.DefinitionID,
		Statuses:     api.ActiveStatuses,
	})
	s.Require().NoError(err)
	s.Require().Len(running, 1)
	s.Equal(a.ID, running[0].ID)

	bySubject, err := s.ledger.ListExecutions(s.ctx, api.ExecutionFilter{DefinitionID: b.DefinitionID, SubjectRef: "lead-42"})
	s.Require().NoError(err)
	s.Require().Len(bySubject, 1)
	s.Equal(b.ID, bySubject[0].ID)

	limited, err := s.ledger.ListExecutions(s.ctx, api.ExecutionFilter{DefinitionID: a.DefinitionID, Limit: 1})
	s.Require().NoError(err)
	s.Len(limited, 1)

	stale, err := s.ledger.ListExecutions(s.ctx, api.ExecutionFilter{
		DefinitionID:  a.DefinitionID,
		UpdatedBefore: a.UpdatedAt.Add(-time.Hour),
	})
	s.Require().NoError(err)
	s.Empty(stale)
}
