package canrelay

import (
	"bytes"
	"fmt"
	"strings"
)

// Frame limits for classical CAN.
const (
	// MaxDataLen is the maximum number of data bytes in a classical CAN frame.
	MaxDataLen = 8

	// MaxStandardID is the largest 11-bit identifier.
	MaxStandardID = 0x7FF
)

// Message is an immutable CAN frame: an 11-bit identifier plus 0-8 data
// bytes. Construct it with NewMessage or a MessageBuilder.
type Message struct {
	id   uint32
	data [MaxDataLen]byte
	n    uint8
}

// NewMessage returns a Message with the given identifier and data bytes.
func NewMessage(id uint32, data ...byte) (Message, error) {
	return NewMessageBuilder().ID(id).Bytes(data...).Build()
}

// ID returns the frame identifier.
func (m Message) ID() uint32 {
	return m.id
}

// Len returns the number of data bytes.
func (m Message) Len() int {
	return int(m.n)
}

// Data returns a copy of the data bytes.
func (m Message) Data() []byte {
	out := make([]byte, m.n)
	copy(out, m.data[:m.n])
	return out
}

// Byte returns the data byte at index i, or 0 if i is out of range.
func (m Message) Byte(i int) byte {
	if i < 0 || i >= int(m.n) {
		return 0
	}
	return m.data[i]
}

// Equal reports whether both messages carry the same identifier and the
// same data bytes.
func (m Message) Equal(other Message) bool {
	return m.id == other.id && m.n == other.n &&
		bytes.Equal(m.data[:m.n], other.data[:other.n])
}

// String formats the frame the way candump does, e.g. "415#1540".
func (m Message) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%03X#", m.id)
	for i := 0; i < int(m.n); i++ {
		fmt.Fprintf(&sb, "%02X", m.data[i])
	}
	return sb.String()
}

// MessageBuilder accumulates data bytes and an identifier for a Message.
// The first error encountered is reported by Build.
type MessageBuilder struct {
	id   uint32
	data []byte
	err  error
}

// NewMessageBuilder returns an empty builder.
func NewMessageBuilder() *MessageBuilder {
	return &MessageBuilder{data: make([]byte, 0, MaxDataLen)}
}

// ID sets the frame identifier.
func (b *MessageBuilder) ID(id uint32) *MessageBuilder {
	if id > MaxStandardID && b.err == nil {
		b.err = fmt.Errorf("%w: 0x%X", ErrInvalidIdentifier, id)
	}
	b.id = id
	return b
}

// Byte appends one data byte.
func (b *MessageBuilder) Byte(v byte) *MessageBuilder {
	if len(b.data) >= MaxDataLen {
		if b.err == nil {
			b.err = ErrTooManyDataBytes
		}
		return b
	}
	b.data = append(b.data, v)
	return b
}

// Bytes appends data bytes in order.
func (b *MessageBuilder) Bytes(vs ...byte) *MessageBuilder {
	for _, v := range vs {
		b.Byte(v)
	}
	return b
}

// Build returns the finished Message.
func (b *MessageBuilder) Build() (Message, error) {
	if b.err != nil {
		return Message{}, b.err
	}
	m := Message{id: b.id, n: uint8(len(b.data))}
	copy(m.data[:], b.data)
	return m, nil
}
