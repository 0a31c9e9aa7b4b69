package pdm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"pdmcore/errs"
	"pdmcore/message"
	"pdmcore/radio"
	"pdmcore/shadow"
	"pdmcore/store"
)

type fakeLink struct {
	messageSeq  uint8
	packetSeq   uint8
	responses   []func(*message.Message, radio.Options) (*message.Message, error)
	calls       int
	disconnects int
}

func (f *fakeLink) SendRequestGetResponse(msg *message.Message, opts radio.Options) (*message.Message, error) {
	idx := f.calls
	f.calls++
	if idx >= len(f.responses) {
		return nil, errors.New("no more scripted responses")
	}
	return f.responses[idx](msg, opts)
}
func (f *fakeLink) Disconnect() error          { f.disconnects++; return nil }
func (f *fakeLink) MessageSequence() uint8     { return f.messageSeq }
func (f *fakeLink) SetMessageSequence(v uint8) { f.messageSeq = v }
func (f *fakeLink) PacketSequence() uint8      { return f.packetSeq }

type fakeNonceGen struct {
	next uint32
}

func (g *fakeNonceGen) GetNext() uint32                           { return g.next }
func (g *fakeNonceGen) Sync(syncWord uint16, messageSequence uint8) {}
func (g *fakeNonceGen) Seed(seed uint32, lot, tid uint32)          {}
func (g *fakeNonceGen) State() (uint32, uint32)                    { return g.next, 0 }

func statusResponse(progress shadow.PodProgress, basal shadow.BasalState, bolus shadow.BolusState, reservoirPulses uint16) func(*message.Message, radio.Options) (*message.Message, error) {
	return func(m *message.Message, o radio.Options) (*message.Message, error) {
		resp := message.New(m.Address, m.Sequence)
		body := make([]byte, 7)
		body[0] = byte(progress)
		body[1] = byte(basal) | byte(bolus)<<4
		body[2] = 0
		body[3], body[4] = 0, 200 // state_active_minutes = 200
		body[5] = byte(reservoirPulses >> 8)
		body[6] = byte(reservoirPulses)
		resp.AddCommand(0x1D, body)
		return resp, nil
	}
}

func okResponse(ctype uint8) func(*message.Message, radio.Options) (*message.Message, error) {
	return func(m *message.Message, o radio.Options) (*message.Message, error) {
		resp := message.New(m.Address, m.Sequence)
		resp.AddCommand(ctype, []byte{0})
		return resp, nil
	}
}

func runningPod() *shadow.Pod {
	p := shadow.New(1000, 2000)
	addr := uint32(0x66000001)
	p.RadioAddress = &addr
	p.StateProgress = shadow.Running
	p.StateBasal = shadow.BasalProgram
	p.StateBolus = shadow.BolusNotRunning
	p.InsulinReservoir = decimal.RequireFromString("50")
	now := time.Now().Unix()
	p.StateLastUpdated = &now
	return p
}

func newTestPdm(t *testing.T, pod *shadow.Pod, link radio.Link, gen *fakeNonceGen) *Pdm {
	t.Helper()
	st, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore error: %v", err)
	}
	p := New(pod, link, gen, st)
	p.Sleep = func(time.Duration) {}
	return p
}

func TestBolusSucceeds(t *testing.T) {
	pod := runningPod()
	link := &fakeLink{
		responses: []func(*message.Message, radio.Options) (*message.Message, error){
			statusResponse(shadow.Running, shadow.BasalProgram, shadow.BolusImmediate, 1000),
		},
	}
	gen := &fakeNonceGen{next: 0xAABBCCDD}
	p := newTestPdm(t, pod, link, gen)

	if err := p.Bolus(context.Background(), decimal.RequireFromString("2.00")); err != nil {
		t.Fatalf("Bolus error: %v", err)
	}
	if pod.LastEnactedBolusAmount == nil || !pod.LastEnactedBolusAmount.Equal(decimal.RequireFromString("2.00")) {
		t.Errorf("LastEnactedBolusAmount = %v, want 2.00", pod.LastEnactedBolusAmount)
	}
	if pod.LastEnactedBolusStart == nil {
		t.Error("LastEnactedBolusStart should be set after a successful bolus")
	}
	if link.disconnects != 1 {
		t.Errorf("Disconnect calls = %d, want 1 (finally block runs exactly once)", link.disconnects)
	}
}

func TestBolusRejectsZeroAmount(t *testing.T) {
	pod := runningPod()
	link := &fakeLink{}
	gen := &fakeNonceGen{next: 0xAABBCCDD}
	p := newTestPdm(t, pod, link, gen)

	err := p.Bolus(context.Background(), decimal.RequireFromString("0.00"))
	if err == nil {
		t.Fatal("expected a zero bolus to be rejected")
	}
	if link.calls != 0 {
		t.Errorf("a zero bolus should never reach the radio, got %d calls", link.calls)
	}
}

func TestBolusRejectsAmountAboveReservoir(t *testing.T) {
	pod := runningPod()
	pod.InsulinReservoir = decimal.RequireFromString("1.00")
	link := &fakeLink{}
	gen := &fakeNonceGen{next: 0xAABBCCDD}
	p := newTestPdm(t, pod, link, gen)

	err := p.Bolus(context.Background(), decimal.RequireFromString("2.00"))
	if err == nil {
		t.Fatal("expected bolus to be rejected when it exceeds the reservoir")
	}
}

func TestBolusRejectsAboveMaximum(t *testing.T) {
	pod := runningPod()
	max := decimal.RequireFromString("1.00")
	pod.VarMaximumBolus = &max
	link := &fakeLink{}
	gen := &fakeNonceGen{next: 0xAABBCCDD}
	p := newTestPdm(t, pod, link, gen)

	err := p.Bolus(context.Background(), decimal.RequireFromString("2.00"))
	if err == nil {
		t.Fatal("expected bolus to be rejected when it exceeds var_maximum_bolus")
	}
}

func TestBolusRejectsWhenFaulted(t *testing.T) {
	pod := runningPod()
	pod.StateFaulted = true
	link := &fakeLink{}
	gen := &fakeNonceGen{next: 0xAABBCCDD}
	p := newTestPdm(t, pod, link, gen)

	err := p.Bolus(context.Background(), decimal.RequireFromString("1.00"))
	if err == nil {
		t.Fatal("expected bolus to be rejected on a state_faulted pod")
	}
}

func TestCancelBolusFailsWhenNoBolusRunning(t *testing.T) {
	pod := runningPod()
	link := &fakeLink{}
	gen := &fakeNonceGen{next: 0xAABBCCDD}
	p := newTestPdm(t, pod, link, gen)

	err := p.CancelBolus(context.Background(), true)
	if err == nil {
		t.Fatal("expected CancelBolus to fail when no bolus is running")
	}
}

func TestCancelBolusSucceeds(t *testing.T) {
	pod := runningPod()
	pod.StateBolus = shadow.BolusImmediate
	amount := decimal.RequireFromString("1.00")
	start := time.Now().Unix()
	pod.LastEnactedBolusAmount = &amount
	pod.LastEnactedBolusStart = &start
	link := &fakeLink{
		responses: []func(*message.Message, radio.Options) (*message.Message, error){
			func(m *message.Message, o radio.Options) (*message.Message, error) {
				resp := message.New(m.Address, m.Sequence)
				resp.AddCommand(0x1D, []byte{byte(shadow.Running), byte(shadow.BasalProgram)})
				return resp, nil
			},
		},
	}
	gen := &fakeNonceGen{next: 0xAABBCCDD}
	p := newTestPdm(t, pod, link, gen)

	if err := p.CancelBolus(context.Background(), true); err != nil {
		t.Fatalf("CancelBolus error: %v", err)
	}
	if pod.LastEnactedBolusAmount == nil || !pod.LastEnactedBolusAmount.IsNegative() {
		t.Errorf("LastEnactedBolusAmount after cancel = %v, want negative sentinel", pod.LastEnactedBolusAmount)
	}
}

func TestSetTempBasalRejectsInvalidDuration(t *testing.T) {
	pod := runningPod()
	link := &fakeLink{}
	gen := &fakeNonceGen{next: 0xAABBCCDD}
	p := newTestPdm(t, pod, link, gen)

	err := p.SetTempBasal(context.Background(), decimal.RequireFromString("1.00"), decimal.RequireFromString("13"), false)
	if err == nil {
		t.Fatal("expected SetTempBasal to reject a duration over 12 hours (24 half-hours)")
	}
}

func TestSetTempBasalRejectsRateAboveMaximum(t *testing.T) {
	pod := runningPod()
	link := &fakeLink{}
	gen := &fakeNonceGen{next: 0xAABBCCDD}
	p := newTestPdm(t, pod, link, gen)

	err := p.SetTempBasal(context.Background(), decimal.RequireFromString("35"), decimal.RequireFromString("1"), false)
	if err == nil {
		t.Fatal("expected SetTempBasal to reject a rate above the 30U/h capability ceiling")
	}
}

func TestSetTempBasalSucceeds(t *testing.T) {
	pod := runningPod()
	link := &fakeLink{
		responses: []func(*message.Message, radio.Options) (*message.Message, error){
			func(m *message.Message, o radio.Options) (*message.Message, error) {
				resp := message.New(m.Address, m.Sequence)
				resp.AddCommand(0x1D, []byte{byte(shadow.Running), byte(shadow.BasalTempBasal)})
				return resp, nil
			},
		},
	}
	gen := &fakeNonceGen{next: 0xAABBCCDD}
	p := newTestPdm(t, pod, link, gen)

	if err := p.SetTempBasal(context.Background(), decimal.RequireFromString("2.00"), decimal.RequireFromString("1"), false); err != nil {
		t.Fatalf("SetTempBasal error: %v", err)
	}
	if pod.LastEnactedTempBasalAmount == nil || !pod.LastEnactedTempBasalAmount.Equal(decimal.RequireFromString("2.00")) {
		t.Errorf("LastEnactedTempBasalAmount = %v, want 2.00", pod.LastEnactedTempBasalAmount)
	}
}

func TestSetBasalScheduleRejectsShortSchedule(t *testing.T) {
	pod := runningPod()
	offset := 0
	pod.VarUtcOffset = &offset
	link := &fakeLink{}
	gen := &fakeNonceGen{next: 0xAABBCCDD}
	p := newTestPdm(t, pod, link, gen)

	short := make([]decimal.Decimal, 10)
	for i := range short {
		short[i] = decimal.RequireFromString("1.00")
	}
	err := p.SetBasalSchedule(context.Background(), short)
	if err == nil {
		t.Fatal("expected SetBasalSchedule to reject a schedule shorter than 48 entries")
	}
}

func TestSetBasalScheduleSucceeds(t *testing.T) {
	pod := runningPod()
	offset := 0
	pod.VarUtcOffset = &offset
	link := &fakeLink{
		responses: []func(*message.Message, radio.Options) (*message.Message, error){
			func(m *message.Message, o radio.Options) (*message.Message, error) {
				resp := message.New(m.Address, m.Sequence)
				resp.AddCommand(0x1D, []byte{byte(shadow.Running), byte(shadow.BasalProgram)})
				return resp, nil
			},
		},
	}
	gen := &fakeNonceGen{next: 0xAABBCCDD}
	p := newTestPdm(t, pod, link, gen)

	schedule := make([]decimal.Decimal, 48)
	for i := range schedule {
		schedule[i] = decimal.RequireFromString("1.00")
	}
	if err := p.SetBasalSchedule(context.Background(), schedule); err != nil {
		t.Fatalf("SetBasalSchedule error: %v", err)
	}
	if len(pod.VarBasalSchedule) != 48 {
		t.Errorf("VarBasalSchedule len = %d, want 48", len(pod.VarBasalSchedule))
	}
}

func TestDeactivatePodRejectsWhenNotPaired(t *testing.T) {
	pod := shadow.New(1000, 2000)
	link := &fakeLink{}
	gen := &fakeNonceGen{next: 0xAABBCCDD}
	p := newTestPdm(t, pod, link, gen)

	err := p.DeactivatePod(context.Background())
	if err == nil {
		t.Fatal("expected DeactivatePod to fail on a pod with no radio address assigned")
	}
}

func TestDeactivatePodSucceeds(t *testing.T) {
	pod := runningPod()
	link := &fakeLink{
		responses: []func(*message.Message, radio.Options) (*message.Message, error){
			okResponse(0x1D),
		},
	}
	gen := &fakeNonceGen{next: 0xAABBCCDD}
	p := newTestPdm(t, pod, link, gen)

	if err := p.DeactivatePod(context.Background()); err != nil {
		t.Fatalf("DeactivatePod error: %v", err)
	}
}

func TestIsBusyReturnsTrueOnContention(t *testing.T) {
	pod := runningPod()
	link := &fakeLink{}
	gen := &fakeNonceGen{next: 0xAABBCCDD}
	p := newTestPdm(t, pod, link, gen)

	release := make(chan struct{})
	held := make(chan struct{})
	go p.Lock.Acquire(context.Background(), func(ctx context.Context) error {
		close(held)
		<-release
		return nil
	})
	<-held

	busy, err := p.IsBusy(context.Background())
	close(release)
	if err != nil {
		t.Fatalf("IsBusy error: %v", err)
	}
	if !busy {
		t.Error("IsBusy should report true when the lock is already held")
	}
}

func TestIsBusyPropagatesRefreshError(t *testing.T) {
	pod := shadow.New(1000, 2000)
	addr := uint32(0x66000001)
	pod.RadioAddress = &addr
	pod.StateBolus = shadow.BolusImmediate
	link := &fakeLink{
		responses: []func(*message.Message, radio.Options) (*message.Message, error){
			func(m *message.Message, o radio.Options) (*message.Message, error) {
				return nil, errors.New("radio down")
			},
		},
	}
	gen := &fakeNonceGen{next: 0xAABBCCDD}
	p := newTestPdm(t, pod, link, gen)

	_, err := p.IsBusy(context.Background())
	if err == nil {
		t.Fatal("expected IsBusy to propagate a refresh failure")
	}
	var pdmErr *errs.PdmError
	if !errors.As(err, &pdmErr) {
		t.Errorf("expected a wrapped *errs.PdmError, got %T: %v", err, err)
	}
}

func TestAcknowledgeAlertsRejectsWhenUnpaired(t *testing.T) {
	pod := shadow.New(1000, 2000)
	link := &fakeLink{}
	gen := &fakeNonceGen{next: 0xAABBCCDD}
	p := newTestPdm(t, pod, link, gen)

	err := p.AcknowledgeAlerts(context.Background(), 0x01)
	if err == nil {
		t.Fatal("expected AcknowledgeAlerts to fail on an unpaired pod")
	}
}

func TestAcknowledgeAlertsSucceeds(t *testing.T) {
	pod := runningPod()
	link := &fakeLink{
		responses: []func(*message.Message, radio.Options) (*message.Message, error){
			okResponse(0x11),
		},
	}
	gen := &fakeNonceGen{next: 0xAABBCCDD}
	p := newTestPdm(t, pod, link, gen)

	if err := p.AcknowledgeAlerts(context.Background(), 0x01); err != nil {
		t.Fatalf("AcknowledgeAlerts error: %v", err)
	}
}

func TestUpdatePodStatusSkipsRecentRefresh(t *testing.T) {
	pod := runningPod()
	link := &fakeLink{}
	gen := &fakeNonceGen{next: 0xAABBCCDD}
	p := newTestPdm(t, pod, link, gen)

	if err := p.UpdatePodStatus(context.Background(), 0); err != nil {
		t.Fatalf("UpdatePodStatus error: %v", err)
	}
	if link.calls != 0 {
		t.Errorf("expected no radio call for a status refresh within the staleness window, got %d", link.calls)
	}
}

func TestUpdatePodStatusForcesRefreshOnNonZeroType(t *testing.T) {
	pod := runningPod()
	link := &fakeLink{
		responses: []func(*message.Message, radio.Options) (*message.Message, error){
			statusResponse(shadow.Running, shadow.BasalProgram, shadow.BolusNotRunning, 500),
		},
	}
	gen := &fakeNonceGen{next: 0xAABBCCDD}
	p := newTestPdm(t, pod, link, gen)

	if err := p.UpdatePodStatus(context.Background(), 1); err != nil {
		t.Fatalf("UpdatePodStatus error: %v", err)
	}
	if link.calls != 1 {
		t.Errorf("expected a non-zero update type to always hit the radio, got %d calls", link.calls)
	}
}

func TestCancelTempBasalSucceeds(t *testing.T) {
	pod := runningPod()
	pod.StateBasal = shadow.BasalTempBasal
	duration := decimal.RequireFromString("1")
	start := time.Now().Unix()
	pod.LastEnactedTempBasalDuration = &duration
	pod.LastEnactedTempBasalStart = &start

	link := &fakeLink{
		responses: []func(*message.Message, radio.Options) (*message.Message, error){
			func(m *message.Message, o radio.Options) (*message.Message, error) {
				resp := message.New(m.Address, m.Sequence)
				resp.AddCommand(0x1D, []byte{byte(shadow.Running), byte(shadow.BasalNotRunning)})
				return resp, nil
			},
		},
	}
	gen := &fakeNonceGen{next: 0xAABBCCDD}
	p := newTestPdm(t, pod, link, gen)

	if err := p.CancelTempBasal(context.Background(), true); err != nil {
		t.Fatalf("CancelTempBasal error: %v", err)
	}
	if pod.LastEnactedTempBasalDuration == nil || !pod.LastEnactedTempBasalDuration.IsNegative() {
		t.Errorf("LastEnactedTempBasalDuration after cancel = %v, want negative sentinel", pod.LastEnactedTempBasalDuration)
	}
}

func TestCancelTempBasalIgnoresWhenNotActive(t *testing.T) {
	pod := runningPod()
	link := &fakeLink{}
	gen := &fakeNonceGen{next: 0xAABBCCDD}
	p := newTestPdm(t, pod, link, gen)

	if err := p.CancelTempBasal(context.Background(), false); err != nil {
		t.Fatalf("CancelTempBasal should ignore a no-op cancel rather than error: %v", err)
	}
	if link.calls != 0 {
		t.Errorf("expected no radio call when no temp basal is active, got %d", link.calls)
	}
}

func TestActivatePodRunsFullSequence(t *testing.T) {
	pod := shadow.New(1000, 2000)
	offset := 0
	pod.VarUtcOffset = &offset
	schedule := make([]decimal.Decimal, 48)
	for i := range schedule {
		schedule[i] = decimal.RequireFromString("1.00")
	}
	pod.VarBasalSchedule = schedule

	link := &fakeLink{
		responses: []func(*message.Message, radio.Options) (*message.Message, error){
			// assign address -> progress advances to TankFillCompleted
			func(m *message.Message, o radio.Options) (*message.Message, error) {
				resp := message.New(m.Address, m.Sequence)
				resp.AddCommand(0x1D, []byte{byte(shadow.TankFillCompleted)})
				return resp, nil
			},
			// setup pod (pairing) -> progress advances to PairingSuccess
			func(m *message.Message, o radio.Options) (*message.Message, error) {
				resp := message.New(m.Address, m.Sequence)
				resp.AddCommand(0x1D, []byte{byte(shadow.PairingSuccess)})
				return resp, nil
			},
			// configure timer-limit alert -> plain ack
			okResponse(0x11),
			// priming bolus -> confirms immediate bolus delivery
			func(m *message.Message, o radio.Options) (*message.Message, error) {
				resp := message.New(m.Address, m.Sequence)
				resp.AddCommand(0x1D, []byte{byte(shadow.PairingSuccess), byte(shadow.BolusImmediate) << 4})
				return resp, nil
			},
			// install basal schedule -> plain ack
			okResponse(0x11),
		},
	}
	gen := &fakeNonceGen{next: 0xAABBCCDD}
	p := newTestPdm(t, pod, link, gen)

	if err := p.ActivatePod(context.Background()); err != nil {
		t.Fatalf("ActivatePod error: %v", err)
	}
	if link.calls != 5 {
		t.Errorf("expected 5 radio exchanges (assign, pair, timer-limit alert, priming bolus, basal schedule), got %d", link.calls)
	}
	if pod.RadioAddressCandidate == nil || *pod.RadioAddressCandidate != 0x66000000 {
		t.Errorf("RadioAddressCandidate = %v, want 0x66000000", pod.RadioAddressCandidate)
	}
	if pod.RadioAddress == nil || *pod.RadioAddress != 0x66000000 {
		t.Errorf("RadioAddress = %v, want 0x66000000 (pairing must promote the candidate to the assigned address)", pod.RadioAddress)
	}
}
