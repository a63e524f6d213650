package exchange

import (
	"maps"

	"github.com/google/uuid"
)

// Message is the payload and headers carried by an exchange.
//
// Sources may supply their own Message implementations through
// [Exchange.SetIn]. A pooled exchange only reuses its in message across
// acquisitions when it is the same concrete type the exchange was built with.
type Message interface {
	// MessageID returns the message identifier, generating one on first use.
	MessageID() string

	// SetMessageID overrides the message identifier.
	SetMessageID(id string)

	// Body returns the message body, or nil if none was set.
	Body() any

	// SetBody replaces the message body.
	SetBody(body any)

	// Header returns a header value and whether it exists.
	Header(name string) (any, bool)

	// SetHeader sets a header value.
	SetHeader(name string, value any)

	// RemoveHeader deletes a header.
	RemoveHeader(name string)

	// Headers returns a copy of all headers.
	Headers() map[string]any

	// Reset clears the body, headers and identifier so the message can be reused.
	Reset()
}

// DefaultMessage is the built-in [Message] implementation.
type DefaultMessage struct {
	id      string
	body    any
	headers map[string]any
}

// NewMessage creates an empty [DefaultMessage].
func NewMessage() *DefaultMessage {
	return &DefaultMessage{}
}

// MessageID returns the message identifier, generating a UUID on first use.
func (m *DefaultMessage) MessageID() string {
	if m.id == "" {
		m.id = uuid.NewString()
	}
	return m.id
}

// SetMessageID overrides the message identifier.
func (m *DefaultMessage) SetMessageID(id string) {
	m.id = id
}

// Body returns the message body.
func (m *DefaultMessage) Body() any {
	return m.body
}

// SetBody replaces the message body.
func (m *DefaultMessage) SetBody(body any) {
	m.body = body
}

// Header returns a header value and whether it exists.
func (m *DefaultMessage) Header(name string) (any, bool) {
	v, ok := m.headers[name]
	return v, ok
}

// SetHeader sets a header value.
func (m *DefaultMessage) SetHeader(name string, value any) {
	if m.headers == nil {
		m.headers = make(map[string]any)
	}
	m.headers[name] = value
}

// RemoveHeader deletes a header.
func (m *DefaultMessage) RemoveHeader(name string) {
	delete(m.headers, name)
}

// Headers returns a copy of all headers. The result is never nil.
func (m *DefaultMessage) Headers() map[string]any {
	if m.headers == nil {
		return map[string]any{}
	}
	return maps.Clone(m.headers)
}

// Reset clears the message for reuse. The header map is kept allocated.
func (m *DefaultMessage) Reset() {
	m.id = ""
	m.body = nil
	clear(m.headers)
}

// BodyBytes returns the body of msg as a byte slice when it is one of
// []byte or string. Other body types report false.
func BodyBytes(msg Message) ([]byte, bool) {
	switch b := msg.Body().(type) {
	case []byte:
		return b, true
	case string:
		return []byte(b), true
	default:
		return nil, false
	}
}
