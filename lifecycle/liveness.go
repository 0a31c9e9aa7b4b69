package lifecycle

import (
	"time"

	"github.com/shopspring/decimal"

	"pdmcore/errs"
	"pdmcore/shadow"
)

var (
	minBasalRate = decimal.RequireFromString("0.05")
	maxBasalRate = decimal.RequireFromString("30")
)

// AssertBasalScheduleIsValidSchedule requires exactly 48 entries, each in
// [0.05, 30] U/h, and a configured utc offset (_assert_basal_schedule_is_valid).
func AssertBasalScheduleIsValidSchedule(schedule []decimal.Decimal, utcOffset *int) error {
	if schedule == nil {
		return errs.NewPdmError("No basal schedule defined")
	}
	if len(schedule) != 48 {
		return errs.NewPdmError("A full schedule of 48 half hours is needed")
	}
	for _, entry := range schedule {
		if entry.LessThan(minBasalRate) {
			return errs.NewPdmError("A basal rate schedule entry cannot be less than 0.05U/h")
		}
		if entry.GreaterThan(maxBasalRate) {
			return errs.NewPdmError("A basal rate schedule entry cannot be more than 30U/h")
		}
	}
	if utcOffset == nil {
		return errs.NewPdmError("Pod utc offset not set")
	}
	return nil
}

// IsBolusRunning infers whether an immediate bolus is still in flight
// (_is_bolus_running). When the timing window is inconclusive, refresh
// is invoked to perform a radio status update before the final check
// against state_bolus — lifecycle stays free of radio I/O, so Commands
// supplies refresh as a closure over Transport's status request.
func IsBolusRunning(p *shadow.Pod, now time.Time, refresh func() error) (bool, error) {
	if p.IsFresh() && p.StateBolus != shadow.BolusImmediate {
		return false, nil
	}

	if p.LastEnactedBolusAmount != nil && p.LastEnactedBolusStart != nil {
		amount := *p.LastEnactedBolusAmount
		if amount.IsNegative() {
			return false, nil
		}
		start := float64(*p.LastEnactedBolusStart)
		amt := amount.InexactFloat64()
		nowSec := float64(now.Unix())
		earliest := start + amt*35
		latest := start + amt*45 + 10
		if nowSec > latest {
			return false, nil
		}
		if nowSec < earliest {
			return true, nil
		}
	}

	if err := refresh(); err != nil {
		return false, err
	}
	return p.StateBolus == shadow.BolusImmediate, nil
}

// IsTempBasalActive infers whether a temp basal is still in effect
// (_is_temp_basal_active), refreshing via the supplied closure only when
// the timing window is inconclusive. Per spec.md §9's open question on
// this method, last_enacted_temp_basal_amount is explicitly nil-checked
// before the negativity comparison the Python source performs unguarded.
func IsTempBasalActive(p *shadow.Pod, now time.Time, refresh func() error) (bool, error) {
	if p.IsFresh() && p.StateBasal != shadow.BasalTempBasal {
		return false, nil
	}

	if p.LastEnactedTempBasalStart != nil && p.LastEnactedTempBasalDuration != nil {
		if p.LastEnactedTempBasalAmount != nil && p.LastEnactedTempBasalAmount.IsNegative() {
			return false, nil
		}
		start := float64(*p.LastEnactedTempBasalStart)
		durationHours := p.LastEnactedTempBasalDuration.InexactFloat64()
		nowSec := float64(now.Unix())
		earliest := start + durationHours*3600 - 60
		latest := start + durationHours*3660 + 60
		if nowSec > latest {
			return false, nil
		}
		if nowSec < earliest {
			return true, nil
		}
	}

	if err := refresh(); err != nil {
		return false, err
	}
	return p.StateBasal == shadow.BasalTempBasal, nil
}

// IsBasalScheduleActive infers whether the programmed basal schedule is
// currently running (_is_basal_schedule_active), refreshing via the
// supplied closure when the shadow isn't already known-inactive.
func IsBasalScheduleActive(p *shadow.Pod, refresh func() error) (bool, error) {
	if p.IsFresh() && p.StateBasal == shadow.BasalNotRunning {
		return false, nil
	}
	if err := refresh(); err != nil {
		return false, err
	}
	return p.StateBasal == shadow.BasalProgram, nil
}

// ImmediateBolusPulseSpanOK re-derives the 0x3840 pulse-span ceiling from
// the actual pulse_speed a caller intends to use, rather than assuming
// the default 16 the way bolus()'s guard does in the original source.
// This resolves spec.md §9's "pulse-span off-by-one" open question: the
// guard must use the same pulse_speed the encoder will use, so priming's
// pulse_speed=8 calls get the correct ceiling instead of reusing the
// bolus command's default-speed check.
func ImmediateBolusPulseSpanOK(pulseCount, pulseSpeed int) bool {
	return pulseCount*pulseSpeed <= 0x3840
}

// ReplacePodAlertMinutes computes alert_after_minutes for the second
// LowReservoir-style alert configured during activation
// (var_alert_replace_pod - state_active_minutes). Resolves spec.md §9's
// "activation alert polarity" open question: state_active_minutes may be
// nil on a freshly-created pod shadow that has never received a status
// response, so this returns ok==false rather than panicking or silently
// treating nil as zero.
func ReplacePodAlertMinutes(p *shadow.Pod) (minutes int, ok bool) {
	if p.VarAlertReplacePod == nil || p.StateActiveMinutes == nil {
		return 0, false
	}
	active := decimal.NewFromInt(int64(*p.StateActiveMinutes))
	return int(p.VarAlertReplacePod.Sub(active).IntPart()), true
}
