package api

import "time"

// Outcome is what a node executor decides. It is one of Advance, Wait,
// Branch or Terminate.
type Outcome interface {
	Patch() map[string]any
	outcome()
}

// Advance proceeds immediately to NextNodeID.
type Advance struct {
	NextNodeID   string
	ContextPatch map[string]any
}

// Wait suspends the execution until NotBefore, then resumes at ResumeNodeID.
type Wait struct {
	ResumeNodeID string
	NotBefore    time.Time
	ContextPatch map[string]any
}

// Branch asks the runtime to follow the edge labelled Label.
type Branch struct {
	Label        string
	ContextPatch map[string]any
}

// Terminate ends the execution. Err, when set, is recorded as the last error.
type Terminate struct {
	Success      bool
	Err          error
	ContextPatch map[string]any
}

func (o Advance) Patch() map[string]any   { return o.ContextPatch }
func (o Wait) Patch() map[string]any      { return o.ContextPatch }
func (o Branch) Patch() map[string]any    { return o.ContextPatch }
func (o Terminate) Patch() map[string]any { return o.ContextPatch }

func (Advance) outcome()   {}
func (Wait) outcome()      {}
func (Branch) outcome()    {}
func (Terminate) outcome() {}
