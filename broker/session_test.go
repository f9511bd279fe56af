package broker

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/wsbridge/frame"
)

// scriptedStream serves queued read chunks, then a terminal error. Writes
// are recorded and can be made to fail.
type scriptedStream struct {
	mu       sync.Mutex
	chunks   [][]byte
	readErr  error
	writes   [][]byte
	writeErr error
}

func (s *scriptedStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.chunks) > 0 {
		n := copy(p, s.chunks[0])
		s.chunks = s.chunks[1:]
		return n, nil
	}
	if s.readErr != nil {
		return 0, s.readErr
	}

	return 0, io.EOF
}

func (s *scriptedStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeErr != nil {
		return 0, s.writeErr
	}
	s.writes = append(s.writes, append([]byte(nil), p...))

	return len(p), nil
}

func (s *scriptedStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr = errors.New("stream closed")

	return nil
}

func (s *scriptedStream) written() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.writes...)
}

type pumpEnd struct {
	code   uint16
	reason string
}

func runPump(s *session) (data [][]byte, end *pumpEnd) {
	s.readPump(
		func(p []byte) { data = append(data, p) },
		func(code uint16, reason string) { end = &pumpEnd{code: code, reason: reason} })
	return data, end
}

func TestSession_ReadPumpForwardsAndReportsCleanEnd(t *testing.T) {
	sess := newSession("c1", "example.com:443", 4)
	require.True(t, sess.bind("conn-1", &scriptedStream{
		chunks:  [][]byte{[]byte("hel"), []byte("lo")},
		readErr: io.EOF,
	}))

	data, end := runPump(sess)

	require.Len(t, data, 2)
	assert.Equal(t, []byte("hel"), data[0])
	assert.Equal(t, []byte("lo"), data[1])
	require.NotNil(t, end)
	assert.Equal(t, uint16(frame.CloseNormalClosure), end.code)
	assert.Empty(t, end.reason)
}

func TestSession_ReadPumpReportsAbnormalEnd(t *testing.T) {
	sess := newSession("c1", "example.com:443", 4)
	require.True(t, sess.bind("conn-1", &scriptedStream{
		readErr: errors.New("connection reset"),
	}))

	data, end := runPump(sess)

	assert.Empty(t, data)
	require.NotNil(t, end)
	assert.Equal(t, uint16(frame.CloseAbnormalClosure), end.code)
	assert.Equal(t, "connection reset", end.reason)
}

func TestSession_ReadPumpQuietAfterLocalClose(t *testing.T) {
	sess := newSession("c1", "example.com:443", 4)
	require.True(t, sess.bind("conn-1", &scriptedStream{}))
	require.True(t, sess.close())

	data, end := runPump(sess)

	assert.Empty(t, data)
	assert.Nil(t, end, "a locally closed session must not report an end")
}

func TestSession_EnqueueLifecycle(t *testing.T) {
	sess := newSession("c1", "example.com:443", 1)

	assert.ErrorIs(t, sess.enqueue([]byte("early")), errSessionNotOpen)

	require.True(t, sess.bind("conn-1", &scriptedStream{}))
	require.NoError(t, sess.enqueue([]byte("first")))
	assert.ErrorIs(t, sess.enqueue([]byte("second")), errQueueFull)

	require.True(t, sess.close())
	assert.ErrorIs(t, sess.enqueue([]byte("late")), errSessionNotOpen)
}

func TestSession_CloseIsIdempotentAndBlocksBind(t *testing.T) {
	sess := newSession("c1", "example.com:443", 1)

	require.True(t, sess.close())
	assert.False(t, sess.close())
	assert.False(t, sess.bind("conn-1", &scriptedStream{}), "bind must fail after teardown")
}

func TestSession_WriteLoop(t *testing.T) {
	t.Run("drains the queue onto the stream", func(t *testing.T) {
		stream := &scriptedStream{}
		sess := newSession("c1", "example.com:443", 4)
		require.True(t, sess.bind("conn-1", stream))
		defer sess.close()

		go sess.writeLoop(func(error) {})

		require.NoError(t, sess.enqueue([]byte("one")))
		require.NoError(t, sess.enqueue([]byte("two")))

		assert.Eventually(t, func() bool {
			return len(stream.written()) == 2
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, [][]byte{[]byte("one"), []byte("two")}, stream.written())
	})

	t.Run("reports the first write failure", func(t *testing.T) {
		stream := &scriptedStream{writeErr: errors.New("pipe burst")}
		sess := newSession("c1", "example.com:443", 4)
		require.True(t, sess.bind("conn-1", stream))

		failed := make(chan error, 1)
		go sess.writeLoop(func(err error) { failed <- err })

		require.NoError(t, sess.enqueue([]byte("doomed")))

		select {
		case err := <-failed:
			assert.Equal(t, "pipe burst", err.Error())
		case <-time.After(time.Second):
			t.Fatal("write failure was never reported")
		}
	})
}

func TestSessionTable(t *testing.T) {
	t.Run("reserve rejects a second claim", func(t *testing.T) {
		table := newSessionTable()
		first := newSession("c1", "a:1", 1)

		require.True(t, table.reserve(first))
		assert.False(t, table.reserve(newSession("c1", "b:2", 1)))
		assert.Equal(t, 1, table.size())

		got, ok := table.lookup("c1", "")
		require.True(t, ok)
		assert.Same(t, first, got)
	})

	t.Run("lookup by connection identifier", func(t *testing.T) {
		table := newSessionTable()
		sess := newSession("c1", "a:1", 1)
		require.True(t, table.reserve(sess))
		require.True(t, sess.bind("conn-9", &scriptedStream{}))
		table.index(sess)

		got, ok := table.lookup("", "conn-9")
		require.True(t, ok)
		assert.Same(t, sess, got)
	})

	t.Run("remove is identity checked", func(t *testing.T) {
		table := newSessionTable()
		old := newSession("c1", "a:1", 1)
		require.True(t, table.reserve(old))
		table.remove(old)

		successor := newSession("c1", "a:1", 1)
		require.True(t, table.reserve(successor))

		table.remove(old)
		got, ok := table.lookup("c1", "")
		require.True(t, ok, "a stale remove must not evict the successor")
		assert.Same(t, successor, got)
	})

	t.Run("drain empties the table", func(t *testing.T) {
		table := newSessionTable()
		require.True(t, table.reserve(newSession("c1", "a:1", 1)))
		require.True(t, table.reserve(newSession("c2", "a:1", 1)))

		assert.Len(t, table.drain(), 2)
		assert.Equal(t, 0, table.size())
	})
}
