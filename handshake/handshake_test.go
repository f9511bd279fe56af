package handshake

import (
	"encoding/base64"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestRequest(t *testing.T) {
	t.Run("contains the upgrade header set", func(t *testing.T) {
		b, err := Request(mustParseURL(t, "ws://example.com/chat?room=1"), nil)
		require.NoError(t, err)

		req := string(b)
		lines := strings.Split(req, "\r\n")
		assert.Equal(t, "GET /chat?room=1 HTTP/1.1", lines[0])
		assert.Contains(t, lines, "Host: example.com")
		assert.Contains(t, lines, "Upgrade: websocket")
		assert.Contains(t, lines, "Connection: Upgrade")
		assert.Contains(t, lines, "Sec-WebSocket-Version: 13")
		assert.True(t, strings.HasSuffix(req, "\r\n\r\n"))
	})

	t.Run("empty path becomes the root path", func(t *testing.T) {
		b, err := Request(mustParseURL(t, "ws://example.com"), nil)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(b), "GET / HTTP/1.1\r\n"))
	})

	t.Run("key is sixteen random bytes base64 encoded", func(t *testing.T) {
		b, err := Request(mustParseURL(t, "ws://example.com/"), nil)
		require.NoError(t, err)

		var key string
		for _, line := range strings.Split(string(b), "\r\n") {
			if v, ok := strings.CutPrefix(line, "Sec-WebSocket-Key: "); ok {
				key = v
			}
		}
		require.NotEmpty(t, key)
		raw, err := base64.StdEncoding.DecodeString(key)
		require.NoError(t, err)
		assert.Len(t, raw, 16)
	})

	t.Run("protocols are comma joined", func(t *testing.T) {
		b, err := Request(mustParseURL(t, "ws://example.com/"), []string{"chat", "superchat"})
		require.NoError(t, err)
		assert.Contains(t, string(b), "Sec-WebSocket-Protocol: chat, superchat\r\n")
	})

	t.Run("no protocol header without protocols", func(t *testing.T) {
		b, err := Request(mustParseURL(t, "ws://example.com/"), nil)
		require.NoError(t, err)
		assert.NotContains(t, string(b), "Sec-WebSocket-Protocol")
	})
}

func TestParser_Feed(t *testing.T) {
	response := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n" +
		"\r\n"

	t.Run("single feed resolves", func(t *testing.T) {
		p := NewParser()
		done, rest, err := p.Feed([]byte(response))
		require.NoError(t, err)
		assert.True(t, done)
		assert.Empty(t, rest)
		assert.True(t, p.Done())
		assert.Empty(t, p.Protocol())
	})

	t.Run("byte by byte feeds accumulate", func(t *testing.T) {
		p := NewParser()
		raw := []byte(response)
		for i := 0; i < len(raw)-1; i++ {
			done, rest, err := p.Feed(raw[i : i+1])
			require.NoError(t, err)
			assert.False(t, done)
			assert.Nil(t, rest)
		}

		done, rest, err := p.Feed(raw[len(raw)-1:])
		require.NoError(t, err)
		assert.True(t, done)
		assert.Empty(t, rest)
	})

	t.Run("bytes after the terminator are handed back", func(t *testing.T) {
		p := NewParser()
		trailing := []byte{0x81, 0x02, 'h', 'i'}
		done, rest, err := p.Feed(append([]byte(response), trailing...))
		require.NoError(t, err)
		assert.True(t, done)
		assert.Equal(t, trailing, rest)
	})

	t.Run("negotiated protocol is captured", func(t *testing.T) {
		withProto := "HTTP/1.1 101 Switching Protocols\r\n" +
			"Sec-WebSocket-Protocol: chat\r\n" +
			"\r\n"
		p := NewParser()
		done, _, err := p.Feed([]byte(withProto))
		require.NoError(t, err)
		assert.True(t, done)
		assert.Equal(t, "chat", p.Protocol())
	})

	t.Run("non-101 status is refused", func(t *testing.T) {
		p := NewParser()
		done, rest, err := p.Feed([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
		assert.True(t, done)
		assert.Nil(t, rest)
		require.Error(t, err)

		var he *Error
		require.ErrorAs(t, err, &he)
		assert.Contains(t, he.Reason, "200")
	})

	t.Run("oversized headers are refused", func(t *testing.T) {
		p := NewParser()
		chunk := []byte(strings.Repeat("X-Filler: junk\r\n", 1200))
		_, _, err := p.Feed(chunk)
		require.Error(t, err)

		var he *Error
		assert.ErrorAs(t, err, &he)
	})
}
