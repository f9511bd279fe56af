// Package handshake builds the client upgrade request and parses the
// server's upgrade response for the RFC 6455 opening handshake.
//
// Response validation is deliberately lenient: any status line containing
// "101" upgrades the connection and the Sec-WebSocket-Accept digest is not
// verified. The transport already authenticates the peer; the handshake here
// only switches protocols.
package handshake

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

// maxHeaderBytes bounds response header accumulation so a peer that never
// terminates its headers cannot grow the buffer forever.
const maxHeaderBytes = 16 * 1024

var headerTerminator = []byte("\r\n\r\n")

// Error is a failed handshake. It is terminal for the connection that
// attempted it.
type Error struct {
	Reason string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return "handshake failed: " + e.Reason
}

// Request builds the textual upgrade request for the given URL.
//
// Parameters:
//   - u: The connection URL; its path, query and host are used
//   - protocols: Optional sub-protocols, offered comma-joined
//
// Returns:
//   - The CRLF-delimited request bytes ending in an empty line, or an error
//     if no handshake key could be generated
func Request(u *url.URL, protocols []string) ([]byte, error) {
	key, err := generateKey()
	if err != nil {
		return nil, err
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}

	lines := []string{
		"GET " + path + " HTTP/1.1",
		"Host: " + u.Host,
		"Upgrade: websocket",
		"Connection: Upgrade",
		"Sec-WebSocket-Key: " + key,
		"Sec-WebSocket-Version: 13",
	}
	if len(protocols) > 0 {
		lines = append(lines, "Sec-WebSocket-Protocol: "+strings.Join(protocols, ", "))
	}
	lines = append(lines, "", "")

	return []byte(strings.Join(lines, "\r\n")), nil
}

// generateKey produces the Sec-WebSocket-Key value: 16 random bytes,
// base64-encoded.
func generateKey() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate handshake key: %w", err)
	}

	return base64.StdEncoding.EncodeToString(b[:]), nil
}

// Parser accumulates response bytes until the header terminator and resolves
// the handshake outcome. It carries no timer; the caller imposes a deadline.
type Parser struct {
	buf      []byte
	done     bool
	protocol string
}

// NewParser creates an empty Parser.
//
// Returns:
//   - A Parser ready to be fed response bytes
func NewParser() *Parser {
	return &Parser{}
}

// Done reports whether the handshake response has been fully parsed.
func (p *Parser) Done() bool {
	return p.done
}

// Protocol returns the sub-protocol the server selected, or an empty string.
// Valid once Done.
func (p *Parser) Protocol() string {
	return p.protocol
}

// Feed appends b to the parser's buffer. Once the header terminator has been
// seen, the headers are parsed and every byte after the terminator is
// returned as rest for the frame layer; no byte is lost across the boundary.
//
// Parameters:
//   - b: The next chunk of response bytes
//
// Returns:
//   - done: Whether the response is complete
//   - rest: Bytes following the headers, nil until done
//   - err: A *Error if the server refused the upgrade or the headers are
//     unreasonably large
func (p *Parser) Feed(b []byte) (done bool, rest []byte, err error) {
	if p.done {
		return true, b, nil
	}

	p.buf = append(p.buf, b...)

	idx := bytes.Index(p.buf, headerTerminator)
	if idx < 0 {
		if len(p.buf) > maxHeaderBytes {
			return false, nil, &Error{Reason: "response headers exceed 16KiB"}
		}
		return false, nil, nil
	}

	p.done = true
	rest = p.buf[idx+len(headerTerminator):]

	lines := strings.Split(string(p.buf[:idx]), "\r\n")
	statusLine := lines[0]
	if !strings.Contains(statusLine, "101") {
		return true, nil, &Error{Reason: fmt.Sprintf("unexpected status line %q", statusLine)}
	}

	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(name), "Sec-WebSocket-Protocol") {
			p.protocol = strings.TrimSpace(value)
		}
	}

	return true, rest, nil
}
