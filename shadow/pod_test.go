package shadow

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestNewPodIsFreshFalse(t *testing.T) {
	p := New(0x1234, 0x5678)
	if p.IsFresh() {
		t.Error("a freshly created pod should not be IsFresh() before any status response")
	}
	if p.StateProgress != Initial {
		t.Errorf("StateProgress = %v, want Initial", p.StateProgress)
	}
	if p.Address() != unassignedAddress {
		t.Errorf("Address() = 0x%08X, want unassigned sentinel 0x%08X", p.Address(), unassignedAddress)
	}
}

func TestHandleStatusResponseMarksFreshAndParsesFields(t *testing.T) {
	p := New(1, 1)
	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)

	body := make([]byte, 7)
	body[0] = byte(Running)
	body[1] = byte(BasalProgram) | byte(BolusImmediate)<<4
	body[2] = 0x80 | 0x05 // faulted + alert bits
	binary.BigEndian.PutUint16(body[3:5], 120)
	binary.BigEndian.PutUint16(body[5:7], 100) // 100 pulses = 5.00U

	p.HandleStatusResponse(body, now)

	if !p.IsFresh() {
		t.Error("HandleStatusResponse should mark the pod fresh")
	}
	if p.StateProgress != Running {
		t.Errorf("StateProgress = %v, want Running", p.StateProgress)
	}
	if p.StateBasal != BasalProgram || p.StateBolus != BolusImmediate {
		t.Errorf("StateBasal/StateBolus = %v/%v, want Program/Immediate", p.StateBasal, p.StateBolus)
	}
	if !p.StateFaulted {
		t.Error("StateFaulted should be true when bit 0x80 is set")
	}
	if p.StateAlert != 0x05 {
		t.Errorf("StateAlert = %d, want 5", p.StateAlert)
	}
	if p.StateActiveMinutes == nil || *p.StateActiveMinutes != 120 {
		t.Errorf("StateActiveMinutes = %v, want 120", p.StateActiveMinutes)
	}
	if !p.InsulinReservoir.Equal(decimal.RequireFromString("5")) {
		t.Errorf("InsulinReservoir = %s, want 5", p.InsulinReservoir)
	}
}

func TestHandleInformationResponseFaultSetsProgress(t *testing.T) {
	p := New(1, 1)
	now := time.Now()
	p.HandleInformationResponse([]byte{0x01}, now)
	if !p.StateFaulted || p.StateProgress != Fault {
		t.Errorf("faulted information response should set StateFaulted and StateProgress=Fault, got faulted=%v progress=%v", p.StateFaulted, p.StateProgress)
	}
}

func TestResetForActivationClearsCounters(t *testing.T) {
	p := New(1, 1)
	p.RadioMessageSequence = 5
	p.RadioPacketSequence = 9
	p.ResetForActivation(0x66000001)
	if p.RadioMessageSequence != 0 || p.RadioPacketSequence != 0 {
		t.Error("ResetForActivation should zero the radio counters")
	}
	if p.RadioAddressCandidate == nil || *p.RadioAddressCandidate != 0x66000001 {
		t.Errorf("RadioAddressCandidate = %v, want 0x66000001", p.RadioAddressCandidate)
	}
	if p.RadioAddress == nil || *p.RadioAddress != unassignedAddress {
		t.Errorf("RadioAddress after reset = %v, want unassigned sentinel", p.RadioAddress)
	}
}
