package agent

import "sync"

// Completion is the one-shot promise back to the authority for a single
// authentication request. The authority expects exactly one resolution per
// session; Completion makes a second resolution structurally impossible
// rather than guarding it with a flag.
type Completion struct {
	once sync.Once
	fn   func(authorized bool, reason string)
}

// NewCompletion wraps the authority's callback. fn may be nil, in which case
// the completion is still consumable but resolves nowhere (useful for
// harness-triggered sessions).
func NewCompletion(fn func(authorized bool, reason string)) *Completion {
	return &Completion{fn: fn}
}

// Complete resolves the promise. Only the first call has any effect.
func (c *Completion) Complete(authorized bool, reason string) {
	c.once.Do(func() {
		if c.fn != nil {
			c.fn(authorized, reason)
		}
	})
}
