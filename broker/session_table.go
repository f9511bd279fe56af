package broker

import "sync"

// sessionTable tracks live sessions under one lock with two indexes. The
// client identifier owns the slot from the moment it is reserved; the
// connection identifier index is added once the transport assigns one.
// Each slot is an independent unit of mutation, nothing here spans two
// sessions.
type sessionTable struct {
	mu       sync.Mutex
	byClient map[string]*session
	byConn   map[string]*session
}

func newSessionTable() *sessionTable {
	return &sessionTable{
		byClient: make(map[string]*session),
		byConn:   make(map[string]*session),
	}
}

// reserve claims the slot for the session's client identifier. Claiming
// happens before any dialing, so of two concurrent opens exactly one wins.
//
// Parameters:
//   - sess: The pending session to store
//
// Returns:
//   - false if the client identifier already holds a session
func (t *sessionTable) reserve(sess *session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.byClient[sess.clientID]; exists {
		return false
	}
	t.byClient[sess.clientID] = sess

	return true
}

// index makes the session reachable by its connection identifier. A session
// that lost its slot while dialing is not indexed.
//
// Parameters:
//   - sess: A bound session whose connID is set
func (t *sessionTable) index(sess *session) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.byClient[sess.clientID] == sess {
		t.byConn[sess.connID] = sess
	}
}

// lookup finds a session by client identifier first, connection identifier
// second.
//
// Parameters:
//   - clientID: The socket's client identifier, may be empty
//   - connID: The transport connection identifier, may be empty
//
// Returns:
//   - The session and true if found, or nil and false otherwise
func (t *sessionTable) lookup(clientID, connID string) (*session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if sess, ok := t.byClient[clientID]; ok {
		return sess, true
	}
	if sess, ok := t.byConn[connID]; ok {
		return sess, true
	}

	return nil, false
}

// remove drops the session from both indexes. The identity check keeps a
// stale teardown from evicting a successor session under the same client
// identifier.
//
// Parameters:
//   - sess: The session to forget
func (t *sessionTable) remove(sess *session) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.byClient[sess.clientID] == sess {
		delete(t.byClient, sess.clientID)
	}
	if t.byConn[sess.connID] == sess {
		delete(t.byConn, sess.connID)
	}
}

// drain empties the table and returns every session it held.
func (t *sessionTable) drain() []*session {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*session, 0, len(t.byClient))
	for _, sess := range t.byClient {
		out = append(out, sess)
	}
	t.byClient = make(map[string]*session)
	t.byConn = make(map[string]*session)

	return out
}

// size returns the number of live sessions.
func (t *sessionTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byClient)
}
