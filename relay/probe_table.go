package relay

import "sync"

// probeTable tracks in-flight health probes, keyed by the token carried in
// the ping payload. The control read loop resolves a probe when the matching
// pong arrives; a waiter that gives up withdraws its own entry.
type probeTable struct {
	m sync.Map
}

// open registers a probe and returns the channel closed when it resolves.
//
// Parameters:
//   - token: The probe token echoed back in the pong payload
//
// Returns:
//   - A channel closed once the matching pong arrives
func (t *probeTable) open(token string) chan struct{} {
	ch := make(chan struct{})
	t.m.Store(token, ch)

	return ch
}

// resolve wakes the waiter for token. Resolving an unknown or already
// resolved token is a no-op, so a duplicate pong cannot close a channel
// twice.
//
// Parameters:
//   - token: The token from the pong payload
func (t *probeTable) resolve(token string) {
	if v, ok := t.m.LoadAndDelete(token); ok {
		close(v.(chan struct{}))
	}
}

// forget withdraws a probe whose waiter stopped listening.
//
// Parameters:
//   - token: The token to drop
func (t *probeTable) forget(token string) {
	t.m.Delete(token)
}
