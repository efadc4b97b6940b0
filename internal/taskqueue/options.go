package taskqueue

import (
	"time"

	"github.com/google/uuid"
)

// Options are shared by every Queue implementation.
type Options struct {
	Policy RetryPolicy

	// PollInterval is how long Claim sleeps when no job is eligible.
	PollInterval time.Duration

	// Now overrides the clock; used by tests.
	Now func() time.Time
}

func (o Options) withDefaults(defaultPoll time.Duration) Options {
	o.Policy = o.Policy.withDefaults()
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPoll
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

func newJobID() string {
	return uuid.NewString()
}
