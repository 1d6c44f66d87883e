package session

import (
	"sync/atomic"
)

// Binding tracks the identity a session is currently bound to. Channel and
// dispatcher callbacks outlive identity changes, so they must resolve the
// identity through this cell at call time — never capture the value at
// callback-registration time, or writes land against a stale identity.
type Binding struct {
	v atomic.Value // string
}

// Bind sets the current identity.
func (b *Binding) Bind(accountID string) {
	b.v.Store(accountID)
}

// Clear unbinds the identity, invalidating in-flight sends bound to it.
func (b *Binding) Clear() {
	b.v.Store("")
}

// Current returns the identity bound right now, or "" when none is.
func (b *Binding) Current() string {
	if v, ok := b.v.Load().(string); ok {
		return v
	}
	return ""
}
