// Package pdm exposes the public command operations (spec.md §4.6):
// bolus, cancel, temp basal, basal schedule, activate, deactivate,
// acknowledge-alerts, and status refresh. Every operation follows the
// same skeleton ported from _examples/original_source/podcomm/pdm.py:
// acquire the single-flight lock, run Lifecycle guards, encode via
// Encoder, send via Transport, verify post-state from PodShadow, and —
// in a deferred finally — disconnect the radio and persist PodShadow
// regardless of outcome.
package pdm

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"pdmcore/auditlog"
	"pdmcore/encoder"
	"pdmcore/errs"
	"pdmcore/lifecycle"
	"pdmcore/message"
	"pdmcore/nonce"
	"pdmcore/pdmlock"
	"pdmcore/radio"
	"pdmcore/shadow"
	"pdmcore/store"
	"pdmcore/transport"
)

const statusStaleness = 60 * time.Second

// Pdm is the public command core for one paired (or pairing) pod.
type Pdm struct {
	Pod       *shadow.Pod
	Radio     radio.Link
	Nonce     nonce.Generator
	Transport *transport.Transport
	Store     store.Store
	Lock      *pdmlock.Lock
	Clock     func() time.Time
	Sleep     func(time.Duration)

	storeKey string
}

// New wires a Pdm around a pod shadow, radio link, nonce generator, and
// persistent store.
func New(pod *shadow.Pod, link radio.Link, gen nonce.Generator, st store.Store) *Pdm {
	t := transport.New(link, gen, pod)
	return &Pdm{
		Pod:       pod,
		Radio:     link,
		Nonce:     gen,
		Transport: t,
		Store:     st,
		Lock:      pdmlock.New(),
		Clock:     time.Now,
		Sleep:     time.Sleep,
		storeKey:  fmt.Sprintf("pod-%08x", pod.IDLot),
	}
}

// SetAuditLog wires an audit-trail writer into the Transport so every
// command exchange is recorded under this pod's key (spec.md §4.4's
// RequestLabel). Nil by default — main.go sets this up from config.
func (p *Pdm) SetAuditLog(w *auditlog.Writer) {
	p.Transport.Recorder = w
}

func (p *Pdm) createMessage(ctype uint8, body []byte) *message.Message {
	msg := message.New(p.Pod.Address(), p.Radio.MessageSequence())
	msg.AddCommand(ctype, body)
	return msg
}

// run wraps fn in the pdmlock acquisition, OmnipyError passthrough /
// unexpected-error wrapping, and mandatory disconnect+persist finally
// block every command in the original source shares.
func (p *Pdm) run(ctx context.Context, fn func(ctx context.Context) error) error {
	err := p.Lock.Acquire(ctx, fn)
	p.Radio.Disconnect()
	if saveErr := p.savePod(); saveErr != nil {
		if err == nil {
			return errs.WrapPdmError("Pod status was not saved", saveErr)
		}
		log.Errorf("pod status was not saved after a failed exchange: %v", saveErr)
	}
	if err != nil {
		return errs.Wrap(err)
	}
	return nil
}

func (p *Pdm) savePod() error {
	log.Debugf("saving pod status")
	p.Pod.RadioMessageSequence = p.Radio.MessageSequence()
	p.Pod.RadioPacketSequence = p.Radio.PacketSequence()
	lastNonce, seed := p.Nonce.State()
	p.Pod.NonceLast = lastNonce
	p.Pod.NonceSeed = seed
	if err := store.SaveJSON(p.Store, p.storeKey, p.Pod); err != nil {
		return err
	}
	log.Debugf("saved pod status")
	return nil
}

func (p *Pdm) refreshStatus() error {
	return p.updateStatus(0, true)
}

func (p *Pdm) updateStatus(updateType uint8, stayConnected bool) error {
	msg := p.createMessage(0x0E, encoder.StatusRequestBody(updateType))
	return p.Transport.Send(msg, transport.SendOptions{
		StayConnected: stayConnected,
		RequestLabel:  fmt.Sprintf("STATUS REQ %d", updateType),
		ResyncAllowed: true,
	})
}

// UpdatePodStatus refreshes PodShadow from the pod, skipping the radio
// round-trip entirely when a plain (type 0) refresh was already done in
// the last 60 seconds (spec.md §4.6).
func (p *Pdm) UpdatePodStatus(ctx context.Context, updateType uint8) error {
	if err := lifecycle.AssertPodAddressAssigned(p.Pod); err != nil {
		return errs.Wrap(err)
	}
	if updateType == 0 && p.Pod.StateLastUpdated != nil {
		last := time.Unix(*p.Pod.StateLastUpdated, 0)
		if p.Clock().Sub(last) < statusStaleness {
			return nil
		}
	}
	return p.run(ctx, func(ctx context.Context) error {
		log.Debugf("updating pod status")
		return p.updateStatus(updateType, false)
	})
}

// IsBusy reports whether the pod has an immediate bolus in flight,
// swallowing lock contention into true rather than propagating
// PdmBusyError (spec.md §4.7).
func (p *Pdm) IsBusy(ctx context.Context) (bool, error) {
	var running bool
	err := p.Lock.TryAcquire(ctx, func(ctx context.Context) error {
		r, err := lifecycle.IsBolusRunning(p.Pod, p.Clock(), p.refreshStatus)
		running = r
		return err
	})
	p.Radio.Disconnect()
	if _, ok := err.(*errs.PdmBusyError); ok {
		return true, nil
	}
	if err != nil {
		return false, errs.Wrap(err)
	}
	return running, nil
}

// AcknowledgeAlerts clears the given alert bitmask on the pod.
func (p *Pdm) AcknowledgeAlerts(ctx context.Context, alertMask uint8) error {
	if err := lifecycle.AssertCanAcknowledgeAlerts(p.Pod); err != nil {
		return errs.Wrap(err)
	}
	return p.run(ctx, func(ctx context.Context) error {
		log.Debugf("acknowledging alerts with bitmask %d", alertMask)
		msg := p.createMessage(0x11, encoder.AcknowledgeAlertsBody(alertMask))
		return p.Transport.Send(msg, transport.SendOptions{
			WithNonce:     true,
			StayConnected: true,
			RequestLabel:  fmt.Sprintf("ACK 0x%02X", alertMask),
			ResyncAllowed: true,
		})
	})
}

// Bolus delivers an immediate bolus of amount units, enforcing every
// guard bolus() runs before the exchange (spec.md §4.6).
func (p *Pdm) Bolus(ctx context.Context, amount decimal.Decimal) error {
	return p.run(ctx, func(ctx context.Context) error {
		if err := lifecycle.AssertPodAddressAssigned(p.Pod); err != nil {
			return err
		}
		if err := lifecycle.AssertCanGenerateNonce(p.Pod); err != nil {
			return err
		}
		if err := lifecycle.AssertImmediateBolusNotActive(p.Pod, p.Clock(), p.refreshStatus); err != nil {
			return err
		}
		if err := lifecycle.AssertNotFaulted(p.Pod); err != nil {
			return err
		}
		if err := lifecycle.AssertStatusRunning(p.Pod); err != nil {
			return err
		}

		if p.Pod.VarMaximumBolus != nil && amount.GreaterThan(*p.Pod.VarMaximumBolus) {
			return errs.NewPdmError(fmt.Sprintf("Bolus exceeds defined maximum bolus of %sU", p.Pod.VarMaximumBolus.StringFixed(2)))
		}

		pulseCount := encoder.PulseCountForAmount(amount)
		if pulseCount == 0 {
			return errs.NewPdmError("Cannot do a zero bolus")
		}
		if !lifecycle.ImmediateBolusPulseSpanOK(pulseCount, encoder.DefaultPulseSpeed) {
			return errs.NewPdmError("Bolus would exceed the maximum time allowed for an immediate bolus")
		}
		if amount.GreaterThan(p.Pod.InsulinReservoir) {
			return errs.NewPdmError(fmt.Sprintf("Cannot bolus %s units, insulin reservoir capacity is at: %s",
				amount.StringFixed(2), p.Pod.InsulinReservoir.StringFixed(2)))
		}

		if err := p.immediateBolus(pulseCount, encoder.DefaultPulseSpeed, 0, 2, false,
			fmt.Sprintf("BOLUS %05.2f", amount.InexactFloat64())); err != nil {
			return err
		}

		if p.Pod.StateBolus != shadow.BolusImmediate {
			return errs.NewPdmError("Pod did not confirm bolus")
		}

		now := p.Clock().Unix()
		p.Pod.LastEnactedBolusStart = &now
		p.Pod.LastEnactedBolusAmount = &amount
		return nil
	})
}

func (p *Pdm) immediateBolus(pulseCount, pulseSpeed int, reminders uint8, deliveryDelaySeconds int, stayConnected bool, label string) error {
	msg := p.createMessage(0x1A, encoder.ImmediateBolusOuterBody(pulseCount, pulseSpeed))
	msg.AddCommand(0x17, encoder.ImmediateBolusInnerBody(reminders, pulseCount, deliveryDelaySeconds))
	if err := p.Transport.Send(msg, transport.SendOptions{
		WithNonce:     true,
		StayConnected: stayConnected,
		RequestLabel:  label,
		ResyncAllowed: true,
	}); err != nil {
		return err
	}
	if p.Pod.StateBolus != shadow.BolusImmediate {
		return errs.NewPdmError("Pod did not confirm bolus")
	}
	return nil
}

func (p *Pdm) cancelActivity(cancelBasal, cancelBolus, cancelTempBasal, beep bool) error {
	label := "CANCEL "
	if cancelBolus {
		label += "BOLUS "
	}
	if cancelTempBasal {
		label += "TEMPBASAL "
	}
	if cancelBasal {
		label += "BASAL "
	}
	log.Debugf("running cancel activity for basal: %v - bolus: %v - tempBasal: %v", cancelBasal, cancelBolus, cancelTempBasal)
	msg := p.createMessage(0x1F, encoder.CancelBody(beep, cancelBolus, cancelTempBasal, cancelBasal))
	return p.Transport.Send(msg, transport.SendOptions{
		WithNonce:     true,
		StayConnected: true,
		RequestLabel:  label,
		ResyncAllowed: true,
	})
}

// CancelBolus cancels the currently running immediate bolus.
func (p *Pdm) CancelBolus(ctx context.Context, beep bool) error {
	return p.run(ctx, func(ctx context.Context) error {
		if err := lifecycle.AssertPodAddressAssigned(p.Pod); err != nil {
			return err
		}
		if err := lifecycle.AssertCanGenerateNonce(p.Pod); err != nil {
			return err
		}
		if err := lifecycle.AssertNotFaulted(p.Pod); err != nil {
			return err
		}
		if err := lifecycle.AssertStatusRunning(p.Pod); err != nil {
			return err
		}

		running, err := lifecycle.IsBolusRunning(p.Pod, p.Clock(), p.refreshStatus)
		if err != nil {
			return err
		}
		if !running {
			return errs.NewPdmError("Bolus is not running")
		}

		log.Debugf("canceling running bolus")
		if err := p.cancelActivity(false, true, false, beep); err != nil {
			return err
		}
		if p.Pod.StateBolus == shadow.BolusImmediate {
			return errs.NewPdmError("Failed to cancel bolus")
		}
		amount := decimal.NewFromInt(-1)
		now := p.Clock().Unix()
		p.Pod.LastEnactedBolusAmount = &amount
		p.Pod.LastEnactedBolusStart = &now
		return nil
	})
}

// CancelTempBasal cancels an active temp basal, if one is running; if
// none is active, it logs and returns without error (matching the
// original source's warning-and-ignore behavior).
func (p *Pdm) CancelTempBasal(ctx context.Context, beep bool) error {
	return p.run(ctx, func(ctx context.Context) error {
		return p.cancelTempBasalLocked(beep)
	})
}

func (p *Pdm) cancelTempBasalLocked(beep bool) error {
	if err := lifecycle.AssertPodAddressAssigned(p.Pod); err != nil {
		return err
	}
	if err := lifecycle.AssertCanGenerateNonce(p.Pod); err != nil {
		return err
	}
	if err := lifecycle.AssertImmediateBolusNotActive(p.Pod, p.Clock(), p.refreshStatus); err != nil {
		return err
	}
	if err := lifecycle.AssertNotFaulted(p.Pod); err != nil {
		return err
	}
	if err := lifecycle.AssertStatusRunning(p.Pod); err != nil {
		return err
	}

	active, err := lifecycle.IsTempBasalActive(p.Pod, p.Clock(), p.refreshStatus)
	if err != nil {
		return err
	}
	if !active {
		log.Warnf("cancel temp basal received, while temp basal was not active. Ignoring.")
		return nil
	}

	log.Debugf("canceling temp basal")
	if err := p.cancelActivity(false, false, true, beep); err != nil {
		return err
	}
	if p.Pod.StateBasal == shadow.BasalTempBasal {
		return errs.NewPdmError("Failed to cancel temp basal")
	}
	duration := decimal.NewFromInt(-1)
	amount := decimal.NewFromInt(-1)
	now := p.Clock().Unix()
	p.Pod.LastEnactedTempBasalDuration = &duration
	p.Pod.LastEnactedTempBasalStart = &now
	p.Pod.LastEnactedTempBasalAmount = &amount
	return nil
}

// SetTempBasal programs a temporary basal rate for the given duration in
// hours. If a temp basal is already active, it is cancelled first —
// nested under the same lock acquisition (spec.md §5 re-entrancy).
func (p *Pdm) SetTempBasal(ctx context.Context, rate decimal.Decimal, hours decimal.Decimal, confidence bool) error {
	return p.run(ctx, func(ctx context.Context) error {
		if err := lifecycle.AssertPodAddressAssigned(p.Pod); err != nil {
			return err
		}
		if err := lifecycle.AssertCanGenerateNonce(p.Pod); err != nil {
			return err
		}
		if err := lifecycle.AssertImmediateBolusNotActive(p.Pod, p.Clock(), p.refreshStatus); err != nil {
			return err
		}
		if err := lifecycle.AssertNotFaulted(p.Pod); err != nil {
			return err
		}
		if err := lifecycle.AssertStatusRunning(p.Pod); err != nil {
			return err
		}

		halfHours := int(hours.Mul(decimal.NewFromInt(2)).IntPart())
		if halfHours > 24 || halfHours < 1 {
			return errs.NewPdmError("Requested duration is not valid")
		}

		if p.Pod.VarMaximumTempBasalRate != nil && rate.GreaterThan(*p.Pod.VarMaximumTempBasalRate) {
			return errs.NewPdmError("Requested rate exceeds maximum temp basal setting")
		}
		if rate.GreaterThan(decimal.NewFromInt(30)) {
			return errs.NewPdmError("Requested rate exceeds maximum temp basal capability")
		}

		active, err := lifecycle.IsTempBasalActive(p.Pod, p.Clock(), p.refreshStatus)
		if err != nil {
			return err
		}
		if active {
			// Re-entrant: ctx already carries this Lock's token from the
			// outer Acquire in run(), so this nested Acquire just invokes
			// the closure directly instead of blocking on itself
			// (spec.md §5, §9 "re-entrant lock").
			if err := p.Lock.Acquire(ctx, func(ctx context.Context) error {
				return p.cancelTempBasalLocked(false)
			}); err != nil {
				return err
			}
		}

		halfHourUnit := rate.Div(decimal.NewFromInt(2))
		halfHourUnits := make([]decimal.Decimal, halfHours)
		for i := range halfHourUnits {
			halfHourUnits[i] = halfHourUnit
		}
		pulseList := encoder.PulsesForHalfHours(halfHourUnits)

		msg := p.createMessage(0x1A, encoder.TempBasalOuterBody(halfHours, pulseList))
		msg.AddCommand(0x16, encoder.TempBasalInnerBody(confidence, halfHourUnits))

		if err := p.Transport.Send(msg, transport.SendOptions{
			WithNonce:     true,
			RequestLabel:  fmt.Sprintf("TEMPBASAL %05.2fU/h %04.1fh", rate.InexactFloat64(), hours.InexactFloat64()),
			ResyncAllowed: true,
		}); err != nil {
			return err
		}

		if p.Pod.StateBasal != shadow.BasalTempBasal {
			return errs.NewPdmError("Failed to set temp basal")
		}
		now := p.Clock().Unix()
		p.Pod.LastEnactedTempBasalDuration = &hours
		p.Pod.LastEnactedTempBasalStart = &now
		p.Pod.LastEnactedTempBasalAmount = &rate
		return nil
	})
}

// SetBasalSchedule programs the pod's 48-entry daily basal schedule.
func (p *Pdm) SetBasalSchedule(ctx context.Context, schedule []decimal.Decimal) error {
	return p.run(ctx, func(ctx context.Context) error {
		if err := lifecycle.AssertPodAddressAssigned(p.Pod); err != nil {
			return err
		}
		if err := lifecycle.AssertCanGenerateNonce(p.Pod); err != nil {
			return err
		}
		if err := lifecycle.AssertImmediateBolusNotActive(p.Pod, p.Clock(), p.refreshStatus); err != nil {
			return err
		}
		if err := lifecycle.AssertNotFaulted(p.Pod); err != nil {
			return err
		}
		if err := lifecycle.AssertStatusRunning(p.Pod); err != nil {
			return err
		}

		active, err := lifecycle.IsTempBasalActive(p.Pod, p.Clock(), p.refreshStatus)
		if err != nil {
			return err
		}
		if active {
			return errs.NewPdmError("Cannot change basal schedule while a temp. basal is active")
		}

		if err := lifecycle.AssertBasalScheduleIsValidSchedule(schedule, p.Pod.VarUtcOffset); err != nil {
			return err
		}

		if err := p.setBasalSchedule(schedule); err != nil {
			return err
		}

		if p.Pod.StateBasal != shadow.BasalProgram {
			return errs.NewPdmError("Failed to set basal schedule")
		}
		p.Pod.VarBasalSchedule = schedule
		return nil
	})
}

func (p *Pdm) setBasalSchedule(schedule []decimal.Decimal) error {
	halvedSchedule := make([]decimal.Decimal, len(schedule))
	two := decimal.NewFromInt(2)
	for i, rate := range schedule {
		halvedSchedule[i] = rate.Div(two)
	}
	pulseList := encoder.PulsesForHalfHours(halvedSchedule)

	timing := encoder.ComputeHalfHourTiming(p.Clock().UTC(), *p.Pod.VarUtcOffset)
	pulsesRemaining := encoder.PulsesRemainingCurrent(timing.SecondsUntilHalfHour, pulseList[timing.CurrentHalfHour])
	if pulsesRemaining <= 0 {
		// avoids a division by zero in BasalScheduleInnerBody's interval calc
		pulsesRemaining = 1
	}

	msg := p.createMessage(0x1A, encoder.BasalScheduleOuterBody(timing.CurrentHalfHour, timing.SecondsUntilHalfHour, pulsesRemaining, pulseList))
	msg.AddCommand(0x13, encoder.BasalScheduleInnerBody(pulsesRemaining, timing.SecondsUntilHalfHour, halvedSchedule))

	var scheduleStr string
	for _, entry := range schedule {
		scheduleStr += entry.StringFixed(2) + " "
	}

	return p.Transport.Send(msg, transport.SendOptions{
		WithNonce:     true,
		RequestLabel:  fmt.Sprintf("SETBASALSCHEDULE (%s)", scheduleStr),
		ResyncAllowed: true,
	})
}

// DeactivatePod deactivates a paired pod.
func (p *Pdm) DeactivatePod(ctx context.Context) error {
	return p.run(ctx, func(ctx context.Context) error {
		if err := lifecycle.AssertCanDeactivate(p.Pod); err != nil {
			return err
		}
		msg := p.createMessage(0x1C, encoder.DeactivateBody())
		return p.Transport.Send(msg, transport.SendOptions{
			WithNonce:     true,
			RequestLabel:  "DEACTIVATE POD",
			ResyncAllowed: true,
		})
	})
}

// ActivatePod runs the full pod activation sequence: assign/setup
// exchange, alert configuration, priming bolus, and initial basal
// schedule install (spec.md §4.6).
func (p *Pdm) ActivatePod(ctx context.Context) error {
	return p.run(ctx, func(ctx context.Context) error {
		if err := lifecycle.AssertPodActivateCanStart(p.Pod); err != nil {
			return err
		}

		addressCandidate := uint32(0x66000000)
		p.Pod.ResetForActivation(addressCandidate)

		assignMsg := p.createMessage(0x07, encoder.AssignAddressBody(addressCandidate))
		if err := p.Transport.Send(assignMsg, transport.SendOptions{
			StayConnected: true,
			LowTx:         true,
			Address2:      &addressCandidate,
			RequestLabel:  fmt.Sprintf("ASSIGN ADDRESS 0x%08X", addressCandidate),
			ResyncAllowed: false,
		}); err != nil {
			return err
		}

		if err := lifecycle.AssertPodCanActivate(p.Pod); err != nil {
			return err
		}

		now := p.Clock().UTC().Add(time.Duration(*p.Pod.VarUtcOffset) * time.Minute)
		setupBody := encoder.SetupPodBody(addressCandidate, 4, int(now.Month()), now.Day(), now.Year(), now.Hour(), now.Minute(), p.Pod.IDLot, p.Pod.IDT)
		setupMsg := p.createMessage(0x03, setupBody)
		if err := p.Transport.Send(setupMsg, transport.SendOptions{
			StayConnected: true,
			LowTx:         true,
			Address2:      &addressCandidate,
			RequestLabel:  "PAIR POD",
			ResyncAllowed: false,
		}); err != nil {
			return err
		}

		if err := lifecycle.AssertPodPaired(p.Pod); err != nil {
			return err
		}
		p.Pod.RadioAddress = &addressCandidate
		p.Pod.NonceSeed = 0
		p.Nonce.Seed(0, p.Pod.IDLot, p.Pod.IDT)

		if p.Pod.VarAlertLowReservoir != nil {
			body, err := encoder.ConfigureAlertBody(encoder.AlertParams{
				AlertBit:         0x06,
				Activate:         true,
				TriggerReservoir: true,
				AfterReservoir:   p.Pod.VarAlertLowReservoir,
				BeepRepeatType:   0x03,
				BeepType:         0x05,
			})
			if err != nil {
				return err
			}
			if err := p.Transport.Send(p.createMessage(0x19, body), transport.SendOptions{
				WithNonce:     true,
				StayConnected: true,
				RequestLabel:  "CONFIGURE ALERT LowReservoir",
				ResyncAllowed: true,
			}); err != nil {
				return err
			}
		}

		timerLimitAfter := 5
		timerLimitBody, err := encoder.ConfigureAlertBody(encoder.AlertParams{
			AlertBit:        0x07,
			Activate:        true,
			DurationMinutes: 55,
			AfterMinutes:    &timerLimitAfter,
			BeepRepeatType:  0x02,
			BeepType:        0x04,
		})
		if err != nil {
			return err
		}
		if err := p.Transport.Send(p.createMessage(0x19, timerLimitBody), transport.SendOptions{
			WithNonce:     true,
			StayConnected: true,
			RequestLabel:  "CONFIGURE ALERT TimerLimit",
			ResyncAllowed: true,
		}); err != nil {
			return err
		}

		if !lifecycle.ImmediateBolusPulseSpanOK(52, 8) {
			return errs.NewPdmError("Priming bolus would exceed the maximum time allowed for an immediate bolus")
		}
		if err := p.immediateBolus(52, 8, 0, 1, true, "PRIMING 2.6U"); err != nil {
			return err
		}

		p.Sleep(55 * time.Second)

		if p.Pod.VarAlertReplacePod != nil {
			if minutes, ok := lifecycle.ReplacePodAlertMinutes(p.Pod); ok {
				replaceBody, err := encoder.ConfigureAlertBody(encoder.AlertParams{
					AlertBit:       0x06,
					Activate:       true,
					AfterMinutes:   &minutes,
					BeepRepeatType: 0x02,
					BeepType:       0x05,
				})
				if err != nil {
					return err
				}
				if err := p.Transport.Send(p.createMessage(0x19, replaceBody), transport.SendOptions{
					WithNonce:     true,
					StayConnected: true,
					RequestLabel:  "CONFIGURE ALERT ReplacePod",
					ResyncAllowed: true,
				}); err != nil {
					return err
				}
			}
		}

		return p.setBasalSchedule(p.Pod.VarBasalSchedule)
	})
}
