package encoder

import (
	"fmt"

	"github.com/shopspring/decimal"

	"pdmcore/errs"
)

// ImmediateBolusOuterBody builds the 0x1A outer body that precedes an
// immediate-bolus 0x17 inner command (spec.md §4.1). pulseSpeed is the
// inter-pulse delay unit; DefaultPulseSpeed (16) for user-initiated
// boluses, a slower value during pod priming (spec.md §4.6 activate_pod).
func ImmediateBolusOuterBody(pulseCount, pulseSpeed int) []byte {
	pulseSpan := uint16(pulseSpeed * pulseCount)

	bodyForChecksum := []byte{0x01}
	bodyForChecksum = appendU16(bodyForChecksum, pulseSpan)
	bodyForChecksum = appendU16(bodyForChecksum, uint16(pulseCount))
	bodyForChecksum = appendU16(bodyForChecksum, uint16(pulseCount))
	checksum := Checksum(bodyForChecksum)

	body := appendU32(nil, 0)
	body = append(body, 0x02)
	body = appendU16(body, checksum)
	body = append(body, bodyForChecksum...)
	return body
}

// ImmediateBolusInnerBody builds the 0x17 inner body. deliveryDelaySeconds
// is 2 for a normal bolus, 1 during pod priming (spec.md §4.6).
func ImmediateBolusInnerBody(reminders uint8, pulseCount, deliveryDelaySeconds int) []byte {
	body := []byte{reminders}
	body = appendU16(body, uint16(pulseCount*10))
	body = appendU32(body, uint32(deliveryDelaySeconds*100000))
	body = append(body, make([]byte, 6)...)
	return body
}

// CancelBody builds the 0x1F cancel-delivery body.
func CancelBody(beep, cancelBolus, cancelTempBasal, cancelBasal bool) []byte {
	var flags byte
	if beep {
		flags |= 0x60
	}
	if cancelBolus {
		flags |= 0x04
	}
	if cancelTempBasal {
		flags |= 0x02
	}
	if cancelBasal {
		flags |= 0x01
	}
	body := appendU32(nil, 0)
	return append(body, flags)
}

// StatusRequestBody builds the 0x0E status-request body.
func StatusRequestBody(updateType uint8) []byte {
	return []byte{updateType}
}

// AcknowledgeAlertsBody builds the 0x11 acknowledge-alerts body.
func AcknowledgeAlertsBody(alertMask uint8) []byte {
	body := make([]byte, 4)
	return append(body, alertMask)
}

// AlertParams configures one pod alert (spec.md §4.1, ctype 0x19).
// Exactly one of AfterMinutes/AfterReservoir must be set, matching the
// mutual-exclusion rule enforced by the original _configure_alert.
type AlertParams struct {
	AlertBit        uint8
	Activate        bool
	TriggerReservoir bool
	TriggerAutoOff  bool
	DurationMinutes int
	AfterMinutes    *int
	AfterReservoir  *decimal.Decimal
	BeepRepeatType  uint8
	BeepType        uint8
}

// ConfigureAlertBody validates and builds the 0x19 configure-alert body.
func ConfigureAlertBody(p AlertParams) ([]byte, error) {
	if p.AfterMinutes == nil && p.AfterReservoir == nil {
		return nil, errs.NewPdmError("Either alert_after_minutes or alert_after_reservoir must be set")
	}
	if p.AfterMinutes == nil && !p.TriggerReservoir {
		return nil, errs.NewPdmError("Trigger insulin_reservoir must be True if alert_after_reservoir is to be set")
	}
	if p.AfterMinutes != nil && p.AfterReservoir != nil {
		return nil, errs.NewPdmError("Only one of alert_after_minutes or alert_after_reservoir must be set")
	}
	if p.AfterMinutes != nil && p.TriggerReservoir {
		return nil, errs.NewPdmError("Trigger insulin_reservoir must be False if alert_after_minutes is to be set")
	}
	if p.DurationMinutes > 0x1FF {
		return nil, errs.NewPdmError(fmt.Sprintf("Alert duration in minutes cannot be more than %d", 0x1FF))
	}
	if p.DurationMinutes < 0 {
		return nil, errs.NewPdmError("Invalid alert duration value")
	}
	if p.AfterMinutes != nil {
		if *p.AfterMinutes > 4800 {
			return nil, errs.NewPdmError("Alert cannot be set beyond 80 hours")
		}
		if *p.AfterMinutes < 0 {
			return nil, errs.NewPdmError("Invalid value for alert_after_minutes")
		}
	}
	if p.AfterReservoir != nil {
		if p.AfterReservoir.GreaterThan(decimal.NewFromInt(50)) {
			return nil, errs.NewPdmError("Alert cannot be set for more than 50 units")
		}
		if p.AfterReservoir.IsNegative() {
			return nil, errs.NewPdmError("Invalid value for alert_after_reservoir")
		}
	}

	b0 := p.AlertBit << 4
	if p.Activate {
		b0 |= 0x08
	}
	if p.TriggerReservoir {
		b0 |= 0x04
	}
	if p.TriggerAutoOff {
		b0 |= 0x02
	}
	b0 |= byte(p.DurationMinutes>>8) & 0x01
	b1 := byte(p.DurationMinutes & 0xFF)

	var b2, b3 byte
	if p.AfterReservoir != nil {
		limit := int(p.AfterReservoir.Mul(decimal.NewFromInt(10)).IntPart())
		b2 = byte(limit >> 8)
		b3 = byte(limit & 0xFF)
	} else {
		b2 = byte(*p.AfterMinutes >> 8)
		b3 = byte(*p.AfterMinutes & 0xFF)
	}

	body := make([]byte, 4)
	body = append(body, b0, b1, b2, b3, p.BeepRepeatType, p.BeepType)
	return body, nil
}

// TempBasalOuterBody builds the 0x1A outer body preceding a temp-basal
// 0x16 inner command.
func TempBasalOuterBody(halfHours int, pulseList []int) []byte {
	pulseBody := PackPulseTable(pulseList)
	iseBody := PackInsulinScheduleTable(InsulinScheduleTable(pulseList))

	bodyForChecksum := []byte{byte(halfHours)}
	bodyForChecksum = appendU16(bodyForChecksum, 0x3840)
	bodyForChecksum = appendU16(bodyForChecksum, uint16(pulseList[0]))
	checksum := Checksum(append(append([]byte{}, bodyForChecksum...), pulseBody...))

	body := appendU32(nil, 0)
	body = append(body, 0x01)
	body = appendU16(body, checksum)
	body = append(body, bodyForChecksum...)
	body = append(body, iseBody...)
	return body
}

// TempBasalInnerBody builds the 0x16 inner body, with the first interval
// entry duplicated ahead of the full list (spec.md §4.1).
func TempBasalInnerBody(confidence bool, halfHourUnits []decimal.Decimal) []byte {
	var reminders uint8
	if confidence {
		reminders = 0x40
	}
	entries := PulseIntervalEntries(halfHourUnits)

	body := []byte{reminders, 0x00}
	body = append(body, PackIntervalEntries(entries)...)
	return body
}

// BasalScheduleOuterBody builds the 0x1A outer body preceding a basal
// schedule 0x13 inner command.
func BasalScheduleOuterBody(currentHalfHour, secondsUntilHalfHour, pulsesRemainingCurrent int, pulseList []int) []byte {
	pulseBody := PackPulseTable(pulseList)
	iseBody := PackInsulinScheduleTable(InsulinScheduleTable(pulseList))

	bodyForChecksum := []byte{byte(currentHalfHour)}
	bodyForChecksum = appendU16(bodyForChecksum, uint16(secondsUntilHalfHour*8))
	bodyForChecksum = appendU16(bodyForChecksum, uint16(pulsesRemainingCurrent))
	checksum := Checksum(append(append([]byte{}, bodyForChecksum...), pulseBody...))

	body := appendU32(nil, 0)
	body = append(body, 0x00)
	body = appendU16(body, checksum)
	body = append(body, bodyForChecksum...)
	body = append(body, iseBody...)
	return body
}

// BasalScheduleInnerBody builds the 0x13 inner body. Unlike the temp-basal
// inner body, the leading entry is not a duplicate of entries[0] — it
// describes delivery for the remainder of the half hour already in
// progress (pulsesRemainingCurrent pulses spread across
// secondsUntilHalfHour), and the full per-half-hour entries list follows
// starting fresh at the next half-hour boundary.
func BasalScheduleInnerBody(pulsesRemainingCurrent, secondsUntilHalfHour int, halvedSchedule []decimal.Decimal) []byte {
	entries := PulseIntervalEntries(halvedSchedule)

	body := []byte{0x00, 0x00}
	body = appendU16(body, uint16(pulsesRemainingCurrent*10))
	body = appendU32(body, uint32(secondsUntilHalfHour*1_000_000/pulsesRemainingCurrent))
	for _, e := range entries {
		body = appendU16(body, e.PulseCount)
		body = appendU32(body, e.IntervalUs)
	}
	return body
}

// AssignAddressBody builds the 0x07 assign-address body.
func AssignAddressBody(addressCandidate uint32) []byte {
	return appendU32(nil, addressCandidate)
}

// SetupPodBody builds the 0x03 setup-pod body (spec.md §6).
func SetupPodBody(addressCandidate uint32, packetTimeout, month, day, year, hour, minute int, idLot, idT uint32) []byte {
	body := appendU32(nil, addressCandidate)
	body = append(body, 0x14, byte(packetTimeout))
	body = append(body, byte(month), byte(day), byte(year-2000), byte(hour), byte(minute))
	body = appendU32(body, idLot)
	body = appendU32(body, idT)
	return body
}

// DeactivateBody builds the 0x1C deactivate body.
func DeactivateBody() []byte {
	return appendU32(nil, 0)
}
