// Package lifecycle implements the precondition guards and liveness
// inference Commands run before talking to the pod (spec.md §4.5), ported
// directly from the `_assert_*`/`_is_*` methods in
// _examples/original_source/podcomm/pdm.py. Every guard returns a
// *errs.PdmError carrying the same message the Python source raises.
package lifecycle

import (
	"time"

	"pdmcore/errs"
	"pdmcore/shadow"
)

// AssertPodAddressAssigned requires radio_address to be set.
func AssertPodAddressAssigned(p *shadow.Pod) error {
	if p == nil {
		return errs.NewPdmError("No pod instance created")
	}
	if p.RadioAddress == nil {
		return errs.NewPdmError("Radio radio_address not set")
	}
	return nil
}

// AssertPodAddressNotAssigned requires radio_address to be null.
func AssertPodAddressNotAssigned(p *shadow.Pod) error {
	if p == nil {
		return errs.NewPdmError("No pod instance created")
	}
	if p.RadioAddress != nil {
		return errs.NewPdmError("Radio radio_address already set")
	}
	return nil
}

// AssertPodCanActivate requires an address candidate, identity, and
// state_progress == TankFillCompleted.
func AssertPodCanActivate(p *shadow.Pod) error {
	if p.RadioAddressCandidate == nil {
		return errs.NewPdmError("No radio address candidate set")
	}
	if p.IDLot == 0 || p.IDT == 0 {
		return errs.NewPdmError("Pod lot and serial numbers not set")
	}
	if p.StateProgress != shadow.TankFillCompleted {
		return errs.NewPdmError("Pod is not in a state to be activated")
	}
	return nil
}

// AssertPodActivateCanStart combines AssertPodAddressNotAssigned with a
// schedule validity check, matching _assert_pod_activate_can_start.
func AssertPodActivateCanStart(p *shadow.Pod) error {
	if err := AssertPodAddressNotAssigned(p); err != nil {
		return err
	}
	return AssertBasalScheduleIsValidSchedule(p.VarBasalSchedule, p.VarUtcOffset)
}

// AssertPodPaired requires an assigned address and state_progress ==
// PairingSuccess.
func AssertPodPaired(p *shadow.Pod) error {
	if err := AssertPodAddressAssigned(p); err != nil {
		return err
	}
	if p.StateProgress != shadow.PairingSuccess {
		return errs.NewPdmError("Pod is not paired")
	}
	return nil
}

// AssertCanDeactivate requires an assigned, nonce-capable pod with
// progress in [PairingSuccess, AlertExpiredShuttingDown].
func AssertCanDeactivate(p *shadow.Pod) error {
	if err := AssertPodAddressAssigned(p); err != nil {
		return err
	}
	if err := AssertCanGenerateNonce(p); err != nil {
		return err
	}
	if p.StateProgress < shadow.PairingSuccess {
		return errs.NewPdmError("Pod is not paired")
	}
	if p.StateProgress > shadow.AlertExpiredShuttingDown {
		return errs.NewPdmError("Pod cannot be deactivated in its current state")
	}
	return nil
}

// AssertCanAcknowledgeAlerts requires an assigned pod with progress at
// least PairingSuccess and not yet in ErrorShuttingDown or later.
func AssertCanAcknowledgeAlerts(p *shadow.Pod) error {
	if err := AssertPodAddressAssigned(p); err != nil {
		return err
	}
	if p.StateProgress < shadow.PairingSuccess {
		return errs.NewPdmError("Pod is not paired")
	}
	if p.StateProgress == shadow.ErrorShuttingDown {
		return errs.NewPdmError("Pod is shutting down due to an error")
	}
	if p.StateProgress == shadow.AlertExpiredShuttingDown {
		return errs.NewPdmError("Pod is shutting down due to an expired alert")
	}
	if p.StateProgress > shadow.AlertExpiredShuttingDown {
		return errs.NewPdmError("Pod cannot acknowledge alerts in its current state")
	}
	return nil
}

// AssertCanGenerateNonce requires id_lot and id_t to be set.
func AssertCanGenerateNonce(p *shadow.Pod) error {
	if p.IDLot == 0 || p.IDT == 0 {
		return errs.NewPdmError("Pod identifiers not set, cannot generate nonce")
	}
	return nil
}

// AssertStatusRunning requires progress in [Running, RunningLow].
func AssertStatusRunning(p *shadow.Pod) error {
	if p.StateProgress < shadow.Running {
		return errs.NewPdmError("Pod is not yet running")
	}
	if p.StateProgress > shadow.RunningLow {
		return errs.NewPdmError("Pod is no longer running")
	}
	return nil
}

// AssertNotFaulted requires state_faulted == false.
func AssertNotFaulted(p *shadow.Pod) error {
	if p.StateFaulted {
		return errs.NewPdmError("Pod is state_faulted")
	}
	return nil
}

// AssertImmediateBolusNotActive requires IsBolusRunning(p, now, refresh) == false.
func AssertImmediateBolusNotActive(p *shadow.Pod, now time.Time, refresh func() error) error {
	running, err := IsBolusRunning(p, now, refresh)
	if err != nil {
		return err
	}
	if running {
		return errs.NewPdmError("A previous immediate bolus is still active")
	}
	return nil
}
