// Package message defines the wire-level request/response envelope
// exchanged between the PDM and the pod: a typed, addressed, sequenced
// carrier for one or more command (ctype, body) pairs plus an optional
// nonce. This mirrors podcomm's Message/MessageType (original_source's
// `from .message import Message, MessageType`) and the header-then-payload
// packing shape used throughout the teacher's go-sol vendor package
// (rmcpHeader/ipmi20SessionHeader in rmcp.go).
package message

// Type distinguishes which side originated a Message.
type Type uint8

const (
	PDM Type = iota
	POD
)

func (t Type) String() string {
	if t == PDM {
		return "PDM"
	}
	return "POD"
}

// Command is one (ctype, body) pair packed into a Message. A single
// Message may carry several commands — e.g. the 0x1A insulin-schedule
// header command is always immediately followed by its 0x13/0x16/0x17
// inner command in the same exchange.
type Command struct {
	Type uint8
	Body []byte
}

// Message is one request or response envelope on the radio link.
type Message struct {
	Type     Type
	Address  uint32
	Sequence uint8 // radio message sequence, 0..15
	Commands []Command
	Nonce    *uint32
}

// New creates an outbound PDM message addressed to the pod, stamped with
// the given radio message sequence number.
func New(address uint32, sequence uint8) *Message {
	return &Message{
		Type:     PDM,
		Address:  address,
		Sequence: sequence,
		Commands: nil,
	}
}

// AddCommand appends one (ctype, body) pair to the message.
func (m *Message) AddCommand(ctype uint8, body []byte) {
	m.Commands = append(m.Commands, Command{Type: ctype, Body: body})
}

// SetNonce stamps the message with a 32-bit command authenticator.
func (m *Message) SetNonce(nonce uint32) {
	n := nonce
	m.Nonce = &n
}

// Contents returns the command list carried by a response message, in the
// order they were appended/received — the shape Transport iterates over
// when dispatching ctype handlers.
func (m *Message) Contents() []Command {
	return m.Commands
}
