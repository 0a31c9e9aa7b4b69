// Package transport implements the sequence-aware send loop: nonce
// injection, out-of-sync resync, bad-nonce renegotiation, and response
// dispatch (spec.md §4.4). It is ported from `_sendMessage`/
// `_interim_resync` in _examples/original_source/podcomm/pdm.py, with
// logging via logrus the way sol/manager.go's runSession/healthCheck
// narrate retries and reconnects (log.Debugf/Warnf/Errorf).
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"pdmcore/errs"
	"pdmcore/message"
	"pdmcore/nonce"
	"pdmcore/radio"
	"pdmcore/shadow"
)

const maxBadNonceRetries = 3

// Sleeper abstracts time.Sleep so tests can run the resync algorithm
// without actually blocking for 15/5 real seconds.
type Sleeper func(d time.Duration)

// Transport drives one or more request/response exchanges for a single
// command, mutating PodShadow from every response and recovering
// transparently from the two failure modes spec.md §4.7 names.
type Transport struct {
	Radio    radio.Link
	Nonce    nonce.Generator
	Pod      *shadow.Pod
	Sleep    Sleeper
	Clock    func() time.Time
	Recorder Recorder
}

// Recorder receives one audit-trail entry per completed exchange. Nil by
// default; Pdm wires in an auditlog.Writer.
type Recorder interface {
	Record(podKey, label string) error
}

// New returns a Transport wired to real time.Sleep/time.Now.
func New(link radio.Link, gen nonce.Generator, pod *shadow.Pod) *Transport {
	return &Transport{
		Radio: link,
		Nonce: gen,
		Pod:   pod,
		Sleep: time.Sleep,
		Clock: time.Now,
	}
}

// SendOptions mirrors send(msg, with_nonce, stay_connected, request_msg,
// resync_allowed, retry) from spec.md §4.4.
type SendOptions struct {
	WithNonce     bool
	StayConnected bool
	LowTx         bool
	HighTx        bool
	Address2      *uint32
	RequestLabel  string

	// ResyncAllowed gates the interim-resync dance on an out-of-sync
	// response. Every call site sets it true except the assign-address and
	// setup-pod exchanges in activate_pod, which set it false per spec.md
	// §4.6.
	ResyncAllowed bool
}

// Send performs one logical exchange, recovering from an out-of-sync
// response (once) and bad-nonce challenges (up to 4 attempts), and
// dispatching every (ctype, body) pair in the response into PodShadow.
func (t *Transport) Send(msg *message.Message, opts SendOptions) error {
	err := t.send(msg, opts, opts.ResyncAllowed, 0)
	if t.Recorder != nil && opts.RequestLabel != "" {
		label := opts.RequestLabel
		if err != nil {
			label += " [failed: " + err.Error() + "]"
		}
		podKey := fmt.Sprintf("pod-%08x", t.Pod.IDLot)
		if recErr := t.Recorder.Record(podKey, label); recErr != nil {
			log.Warnf("failed to record audit entry: %v", recErr)
		}
	}
	return err
}

func (t *Transport) send(msg *message.Message, opts SendOptions, resyncAllowed bool, retry int) error {
	if opts.WithNonce {
		n := t.Nonce.GetNext()
		stayConnected := opts.StayConnected
		if n == nonce.FAKE_NONCE {
			stayConnected = true
		}
		msg.SetNonce(n)
		opts.StayConnected = stayConnected
	}

	log.Debugf("sending %s (seq %d)", opts.RequestLabel, msg.Sequence)

	resp, err := t.Radio.SendRequestGetResponse(msg, radio.Options{
		StayConnected: opts.StayConnected,
		LowTx:         opts.LowTx,
		HighTx:        opts.HighTx,
		Address2:      opts.Address2,
	})
	if err != nil {
		var outOfSync *errs.TransmissionOutOfSyncError
		if errors.As(err, &outOfSync) {
			if resyncAllowed {
				log.Warnf("radio out of sync, running interim resync")
				if rerr := t.interimResync(); rerr != nil {
					return rerr
				}
				return t.send(msg, opts, false, retry)
			}
		}
		return err
	}

	return t.dispatch(resp, msg, opts, retry)
}

// dispatch walks every command in the response. Per spec.md §4.4's design
// note, the 0x01 branch is evaluated independently — not chained with
// an `else`/`elif` against 0x1D/0x02/0x06 — so a response that somehow
// carries both a version command and another command type runs both
// handlers, matching the original source's documented quirk.
func (t *Transport) dispatch(resp *message.Message, requestMsg *message.Message, opts SendOptions, retry int) error {
	now := t.Clock()
	for _, c := range resp.Contents() {
		if c.Type == 0x01 {
			t.Pod.HandleVersionResponse(c.Body)
		}
		switch c.Type {
		case 0x1D:
			t.Pod.HandleStatusResponse(c.Body, now)
		case 0x02:
			t.Pod.HandleInformationResponse(c.Body, now)
		case 0x06:
			if len(c.Body) < 3 {
				continue
			}
			if c.Body[0] == 0x14 {
				if retry == 0 {
					log.Debugf("bad nonce error - renegotiating")
				} else if retry > maxBadNonceRetries {
					return errs.NewPdmError("Nonce re-negotiation failed")
				}
				syncWord := binary.BigEndian.Uint16(c.Body[1:3])
				t.Nonce.Sync(syncWord, requestMsg.Sequence)
				t.Radio.SetMessageSequence(requestMsg.Sequence)
				return t.send(requestMsg, SendOptions{
					WithNonce:     true,
					StayConnected: opts.StayConnected,
					LowTx:         opts.LowTx,
					HighTx:        opts.HighTx,
					Address2:      opts.Address2,
					RequestLabel:  opts.RequestLabel,
				}, true, retry+1)
			}
		}
	}
	return nil
}

// interimResync implements spec.md §4.4's interim resync: sleep 15s,
// probe status with high_tx, sleep 5s.
func (t *Transport) interimResync() error {
	t.Sleep(15 * time.Second)
	msg := message.New(t.Pod.Address(), t.Radio.MessageSequence())
	msg.AddCommand(0x0E, []byte{0x00})
	if err := t.send(msg, SendOptions{
		StayConnected: true,
		HighTx:        true,
		RequestLabel:  "STATUS REQ 0",
	}, true, 0); err != nil {
		return err
	}
	t.Sleep(5 * time.Second)
	return nil
}
