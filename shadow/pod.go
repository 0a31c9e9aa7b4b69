// Package shadow holds PodShadow: the in-memory mirror of pod state
// (spec.md §3), updated only by Transport's response dispatch and by
// Commands under the single-flight lock, and persisted atomically via
// the external Store contract. Field names and the PodProgress/BasalState/
// BolusState enums are ported directly from
// _examples/original_source/podcomm/pdm.py's use of self.pod.* —
// handle_version_response/handle_status_response/handle_information_response
// themselves live in that source's pod.py, which wasn't part of the
// retained original_source slice, so the response-body layouts those
// methods parse are this repository's own resolution, grounded on the
// field list spec.md §3 names and the ctype table in spec.md §6.
package shadow

import (
	"encoding/binary"
	"time"

	"github.com/shopspring/decimal"
)

// PodProgress is the ordered pod lifecycle stage (spec.md §3).
type PodProgress int

const (
	Initial PodProgress = iota
	TankPowerActivated
	TankFillCompleted
	PairingSuccess
	Priming
	RunningNormal
	Running
	RunningLow
	ErrorShuttingDown
	AlertExpiredShuttingDown
	Inactive
	Fault
)

// BasalState is the pod's current basal delivery mode.
type BasalState int

const (
	BasalNotRunning BasalState = iota
	BasalTempBasal
	BasalProgram
)

// BolusState is the pod's current bolus delivery mode.
type BolusState int

const (
	BolusNotRunning BolusState = iota
	BolusExtended
	BolusImmediate
)

const unassignedAddress uint32 = 0xFFFFFFFF

// Pod is the authoritative shadow of remote pod state (spec.md §3).
type Pod struct {
	// Identity
	IDLot                uint32
	IDT                  uint32
	RadioAddress         *uint32
	RadioAddressCandidate *uint32

	// Radio counters
	RadioMessageSequence uint8
	RadioPacketSequence  uint8

	// Nonce state
	NonceLast uint32
	NonceSeed uint32

	// Progress
	StateProgress PodProgress

	// Basal/bolus state
	StateBasal BasalState
	StateBolus BolusState

	// Runtime
	StateFaulted      bool
	StateAlert        uint8
	StateLastUpdated  *int64 // unix seconds
	StateActiveMinutes *uint16
	InsulinReservoir  decimal.Decimal

	// Last enacted bolus
	LastEnactedBolusAmount *decimal.Decimal
	LastEnactedBolusStart  *int64

	// Last enacted temp basal
	LastEnactedTempBasalAmount   *decimal.Decimal
	LastEnactedTempBasalStart    *int64
	LastEnactedTempBasalDuration *decimal.Decimal // hours

	// User config (nullable)
	VarMaximumBolus          *decimal.Decimal
	VarMaximumTempBasalRate  *decimal.Decimal
	VarBasalSchedule         []decimal.Decimal // 48 entries, U/h
	VarAlertLowReservoir     *decimal.Decimal
	VarAlertReplacePod       *decimal.Decimal
	VarUtcOffset             *int // minutes
}

// New returns a fresh, unpaired Pod shadow with the given identity.
func New(idLot, idT uint32) *Pod {
	return &Pod{
		IDLot:         idLot,
		IDT:           idT,
		StateProgress: Initial,
		InsulinReservoir: decimal.Zero,
	}
}

// IsFresh reports whether the shadow has ever been updated from a pod
// response — the guard _is_bolus_running/_is_temp_basal_active/
// _is_basal_schedule_active check before trusting state_basal/state_bolus
// without a radio round-trip.
func (p *Pod) IsFresh() bool {
	return p.StateLastUpdated != nil
}

// MarkUpdated stamps state_last_updated with the current time, the way
// every handle_*_response call does in the original source.
func (p *Pod) MarkUpdated(now time.Time) {
	t := now.Unix()
	p.StateLastUpdated = &t
}

// HandleVersionResponse parses a 0x01 version response body. Per
// spec.md §4.4's design note, this branch is evaluated independent of
// the 0x1D/0x02/0x06 branches — callers must not `elif`-chain it.
func (p *Pod) HandleVersionResponse(body []byte) {
	if len(body) < 4 {
		return
	}
	p.IDLot = binary.BigEndian.Uint32(body[0:4])
}

// HandleStatusResponse parses a 0x1D status response body: progress,
// basal/bolus state, alert mask, active minutes, and reservoir level.
func (p *Pod) HandleStatusResponse(body []byte, now time.Time) {
	if len(body) < 1 {
		return
	}
	p.StateProgress = PodProgress(body[0])
	if len(body) >= 2 {
		p.StateBasal = BasalState(body[1] & 0x0F)
		p.StateBolus = BolusState((body[1] >> 4) & 0x0F)
	}
	if len(body) >= 3 {
		p.StateFaulted = body[2]&0x80 != 0
		p.StateAlert = body[2] & 0x7F
	}
	if len(body) >= 5 {
		minutes := binary.BigEndian.Uint16(body[3:5])
		p.StateActiveMinutes = &minutes
	}
	if len(body) >= 7 {
		pulses := binary.BigEndian.Uint16(body[5:7])
		p.InsulinReservoir = decimal.NewFromInt(int64(pulses)).Div(decimal.NewFromInt(20))
	}
	p.MarkUpdated(now)
}

// HandleInformationResponse parses a 0x02 information/fault response
// body: a fault flag and, when set, the faulting progress stage.
func (p *Pod) HandleInformationResponse(body []byte, now time.Time) {
	if len(body) < 1 {
		return
	}
	if body[0] != 0 {
		p.StateFaulted = true
		p.StateProgress = Fault
	}
	p.MarkUpdated(now)
}

// ResetForActivation zeroes radio counters and marks the pod unassigned,
// as activate_pod does before the assign/setup exchange (spec.md §4.6).
func (p *Pod) ResetForActivation(addressCandidate uint32) {
	p.RadioMessageSequence = 0
	p.RadioPacketSequence = 0
	addr := unassignedAddress
	p.RadioAddress = &addr
	p.RadioAddressCandidate = &addressCandidate
}

// UnassignedAddress returns the sentinel radio_address value meaning
// "not yet paired" (spec.md §3).
func UnassignedAddress() uint32 { return unassignedAddress }

// Address returns the pod's assigned radio address, or the unassigned
// broadcast sentinel if it has not yet been paired.
func (p *Pod) Address() uint32 {
	if p.RadioAddress == nil {
		return unassignedAddress
	}
	return *p.RadioAddress
}
