package socket

// MessageKind tags a Message as text or binary. The kind is decided by the
// caller at construction, never inferred from the payload.
type MessageKind int

const (
	messageKindNone MessageKind = iota
	// MessageText is a text message carrying a UTF-8 string.
	MessageText
	// MessageBinary is a binary message carrying raw bytes.
	MessageBinary
)

// String returns a human-readable name for the message kind.
func (mk MessageKind) String() string {
	switch mk {
	case MessageText:
		return "text"
	case MessageBinary:
		return "binary"
	default:
		return "none"
	}
}

// Message is the tagged union moved through Send and OnMessage. Construct
// one with Text or Binary; the zero Message has no kind and is rejected by
// Send.
type Message struct {
	kind MessageKind
	text string
	data []byte
}

// Text builds a text Message.
//
// Parameters:
//   - s: The message string
//
// Returns:
//   - A Message of kind MessageText
func Text(s string) Message {
	return Message{kind: MessageText, text: s}
}

// Binary builds a binary Message. The payload is not copied; callers that
// reuse the slice must copy first.
//
// Parameters:
//   - p: The message bytes
//
// Returns:
//   - A Message of kind MessageBinary
func Binary(p []byte) Message {
	return Message{kind: MessageBinary, data: p}
}

// Kind returns the message kind.
func (m Message) Kind() MessageKind {
	return m.kind
}

// IsText reports whether the message is a text message.
func (m Message) IsText() bool {
	return m.kind == MessageText
}

// IsBinary reports whether the message is a binary message.
func (m Message) IsBinary() bool {
	return m.kind == MessageBinary
}

// Text returns the string payload of a text message, or an empty string for
// any other kind.
func (m Message) Text() string {
	return m.text
}

// Binary returns the byte payload of a binary message, or nil for any other
// kind.
func (m Message) Binary() []byte {
	return m.data
}

// payload returns the wire payload for either kind.
func (m Message) payload() []byte {
	if m.kind == MessageText {
		return []byte(m.text)
	}

	return m.data
}
