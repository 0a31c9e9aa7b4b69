// Package radio frames and exchanges one request/response over the
// sub-GHz link. RadioLink is named as an external collaborator in
// spec.md §1 ("the radio PHY/framing layer ... assumed to expose
// send_request_get_response") and §4.3, so this package is a reference
// implementation over UDP rather than the real PHY driver. The framing
// and blocking-request/response shape is grounded on the teacher's
// vendored github.com/gwest/go-sol: buildAuthenticatedPacket/sendRecv in
// session.go increment a session sequence counter before every send and
// block on net.Conn with a deadline; solPacketHeader.pack()/parse() in
// payload.go pack a fixed header followed by a variable payload the same
// way Frame below does.
package radio

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"pdmcore/errs"
	"pdmcore/message"
)

// Options mirror the per-exchange flags spec.md §4.3/§4.4 thread through
// every send: stay_connected, low_tx, high_tx, and an optional secondary
// address used during pod activation's two-step assign/setup exchange.
type Options struct {
	StayConnected bool
	LowTx         bool
	HighTx        bool
	Address2      *uint32
}

// Link is the external RadioLink contract: one framed request/response
// exchange, with idempotent teardown and sequence counters the Transport
// reads and writes directly (spec.md §4.3).
type Link interface {
	SendRequestGetResponse(msg *message.Message, opts Options) (*message.Message, error)
	Disconnect() error
	MessageSequence() uint8
	SetMessageSequence(uint8)
	PacketSequence() uint8
}

const (
	defaultDialTimeout = 5 * time.Second
	defaultIOTimeout    = 30 * time.Second
)

// UDPLink is a reference RadioLink over UDP: each exchange packs one
// frame, sends it, and blocks for a reply with a deadline, exactly the
// buildAuthenticatedPacket/sendRecv shape in go-sol's session.go.
type UDPLink struct {
	addr string

	conn *net.UDPConn

	messageSequence uint8
	packetSequence  uint8
}

// NewUDPLink returns a Link that dials addr lazily on first exchange.
func NewUDPLink(addr string) *UDPLink {
	return &UDPLink{addr: addr}
}

func (l *UDPLink) MessageSequence() uint8     { return l.messageSequence }
func (l *UDPLink) SetMessageSequence(v uint8) { l.messageSequence = v }
func (l *UDPLink) PacketSequence() uint8      { return l.packetSequence }

// Disconnect closes the underlying socket. Idempotent per spec.md §4.3.
func (l *UDPLink) Disconnect() error {
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	return err
}

func (l *UDPLink) connect() error {
	if l.conn != nil {
		return nil
	}
	raddr, err := net.ResolveUDPAddr("udp", l.addr)
	if err != nil {
		return fmt.Errorf("resolve radio address: %w", err)
	}
	conn, err := net.DialTimeout("udp", raddr.String(), defaultDialTimeout)
	if err != nil {
		return fmt.Errorf("dial radio: %w", err)
	}
	l.conn = conn.(*net.UDPConn)
	return nil
}

// SendRequestGetResponse packs msg into a Frame, increments the packet
// sequence the way buildAuthenticatedPacket increments sessionSeq before
// every send, transmits it, and blocks for the pod's response frame.
// Disagreement between the peer's observed counters and ours surfaces as
// TransmissionOutOfSyncError, which Transport resolves via interim resync
// (spec.md §4.4).
func (l *UDPLink) SendRequestGetResponse(msg *message.Message, opts Options) (*message.Message, error) {
	if err := l.connect(); err != nil {
		return nil, err
	}
	if !opts.StayConnected {
		defer l.Disconnect()
	}

	l.packetSequence = (l.packetSequence + 1) % 32

	address := msg.Address
	if opts.Address2 != nil {
		address = *opts.Address2
	}

	frame := EncodeFrame(Frame{
		Address:        address,
		MessageSeq:     msg.Sequence,
		PacketSeq:      l.packetSequence,
		Nonce:          msg.Nonce,
		Commands:       msg.Commands,
	})

	timeout := defaultIOTimeout
	if opts.LowTx {
		timeout = defaultDialTimeout
	}
	_ = l.conn.SetDeadline(time.Now().Add(timeout))

	if _, err := l.conn.Write(frame); err != nil {
		return nil, fmt.Errorf("write radio frame: %w", err)
	}

	buf := make([]byte, 2048)
	n, err := l.conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read radio frame: %w", err)
	}

	resp, peerPacketSeq, err := DecodeFrame(buf[:n])
	if err != nil {
		return nil, err
	}
	if peerPacketSeq != l.packetSequence {
		return nil, errs.NewTransmissionOutOfSyncError(
			fmt.Errorf("peer packet sequence %d != expected %d", peerPacketSeq, l.packetSequence))
	}

	l.messageSequence = (l.messageSequence + 1) % 16
	return resp, nil
}

// Frame is the on-wire envelope: a fixed header followed by one or more
// packed commands, mirroring solPacketHeader in go-sol's payload.go.
type Frame struct {
	Address    uint32
	MessageSeq uint8
	PacketSeq  uint8
	Nonce      *uint32
	Commands   []message.Command
}

// EncodeFrame packs a Frame header-then-payload, the same growing-slice
// append style used throughout go-sol's rmcp.go pack() methods.
func EncodeFrame(f Frame) []byte {
	buf := make([]byte, 0, 16)
	var addrBuf [4]byte
	binary.BigEndian.PutUint32(addrBuf[:], f.Address)
	buf = append(buf, addrBuf[:]...)
	buf = append(buf, f.MessageSeq, f.PacketSeq)

	if f.Nonce != nil {
		var nonceBuf [4]byte
		binary.BigEndian.PutUint32(nonceBuf[:], *f.Nonce)
		buf = append(buf, 0x01)
		buf = append(buf, nonceBuf[:]...)
	} else {
		buf = append(buf, 0x00)
	}

	buf = append(buf, byte(len(f.Commands)))
	for _, c := range f.Commands {
		buf = append(buf, c.Type)
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(c.Body)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, c.Body...)
	}
	return buf
}

// DecodeFrame is EncodeFrame's inverse, returning the reconstructed
// response Message and the packet sequence the pod echoed back.
func DecodeFrame(data []byte) (*message.Message, uint8, error) {
	if len(data) < 8 {
		return nil, 0, errs.NewPdmError("radio frame too short")
	}
	address := binary.BigEndian.Uint32(data[0:4])
	messageSeq := data[4]
	packetSeq := data[5]

	offset := 6
	hasNonce := data[offset] == 0x01
	offset++
	var nonce *uint32
	if hasNonce {
		if len(data) < offset+4 {
			return nil, 0, errs.NewPdmError("radio frame truncated (nonce)")
		}
		n := binary.BigEndian.Uint32(data[offset : offset+4])
		nonce = &n
		offset += 4
	}

	if len(data) < offset+1 {
		return nil, 0, errs.NewPdmError("radio frame truncated (command count)")
	}
	count := int(data[offset])
	offset++

	commands := make([]message.Command, 0, count)
	for i := 0; i < count; i++ {
		if len(data) < offset+3 {
			return nil, 0, errs.NewPdmError("radio frame truncated (command header)")
		}
		ctype := data[offset]
		bodyLen := int(binary.BigEndian.Uint16(data[offset+1 : offset+3]))
		offset += 3
		if len(data) < offset+bodyLen {
			return nil, 0, errs.NewPdmError("radio frame truncated (command body)")
		}
		commands = append(commands, message.Command{Type: ctype, Body: append([]byte{}, data[offset:offset+bodyLen]...)})
		offset += bodyLen
	}

	return &message.Message{
		Type:     message.POD,
		Address:  address,
		Sequence: messageSeq,
		Commands: commands,
		Nonce:    nonce,
	}, packetSeq, nil
}
