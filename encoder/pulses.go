package encoder

import (
	"time"

	"github.com/shopspring/decimal"
)

// pulsesPerUnit reflects the 0.05 U delivery quantum: 1 U = 20 pulses.
var pulsesPerUnit = decimal.NewFromInt(20)

// halfHourSpanMicros is the number of microseconds in one 30-minute
// schedule slot (spec.md glossary: "Half-hour").
const halfHourSpanMicros = 30 * 60 * 1_000_000

// PulseCountForAmount converts a U amount directly into a pulse count by
// truncating amount*20 toward zero, matching Python's
// `int(bolus_amount * Decimal(20))`; for exact multiples of 0.05 this is
// the same count round-half-even gives (spec.md §8, property 1).
func PulseCountForAmount(amount decimal.Decimal) int {
	return int(amount.Mul(pulsesPerUnit).IntPart())
}

// PulsesForHalfHours converts a per-half-hour U schedule into an integer
// pulse count per half hour. Because halfHourUnits can carry fractional
// pulses (e.g. 0.025 U = half a pulse), the rounding remainder from each
// slot is carried into the next one instead of being dropped, so the
// total delivered volume across the whole schedule never drifts from the
// sum of the Decimal inputs. This carry-forward technique isn't shown in
// the distilled spec (getPulsesForHalfHours wasn't part of the retained
// original_source slice) — it is this repository's resolution for turning
// a per-slot Decimal rate into an exact integer pulse stream.
func PulsesForHalfHours(halfHourUnits []decimal.Decimal) []int {
	pulses := make([]int, len(halfHourUnits))
	remainder := decimal.Zero
	for i, u := range halfHourUnits {
		exact := u.Mul(pulsesPerUnit).Add(remainder)
		rounded := exact.Round(0)
		pulses[i] = int(rounded.IntPart())
		remainder = exact.Sub(rounded)
	}
	return pulses
}

// IntervalEntry is one (pulse_count, interval_µs) pair as packed into the
// 0x13/0x16/0x17 inner command bodies (spec.md §4.1).
type IntervalEntry struct {
	PulseCount uint16
	IntervalUs uint32
}

// PulseIntervalEntries converts a per-half-hour U schedule into one
// interval entry per half hour: the pod delivers PulseCount pulses spaced
// IntervalUs microseconds apart so the whole half hour's pulses land
// evenly across the 30-minute slot. A half hour with zero pulses has no
// meaningful inter-pulse spacing; IntervalUs is reported as 0 in that
// case since the pod never receives a pulse to space out.
func PulseIntervalEntries(halfHourUnits []decimal.Decimal) []IntervalEntry {
	pulses := PulsesForHalfHours(halfHourUnits)
	entries := make([]IntervalEntry, len(pulses))
	for i, p := range pulses {
		entry := IntervalEntry{PulseCount: uint16(p)}
		if p > 0 {
			entry.IntervalUs = uint32(halfHourSpanMicros / p)
		}
		entries[i] = entry
	}
	return entries
}

// PackIntervalEntries packs entries as u16(pulse_count) ‖ u32(interval_µs)
// each, with the first entry duplicated ahead of the full list per
// spec.md §4.1 ("the first entry is emitted twice").
func PackIntervalEntries(entries []IntervalEntry) []byte {
	if len(entries) == 0 {
		return nil
	}
	buf := make([]byte, 0, 6*(len(entries)+1))
	buf = appendU16(buf, entries[0].PulseCount)
	buf = appendU32(buf, entries[0].IntervalUs)
	for _, e := range entries {
		buf = appendU16(buf, e.PulseCount)
		buf = appendU32(buf, e.IntervalUs)
	}
	return buf
}

// PackPulseTable packs a raw per-half-hour pulse count list as two bytes
// (u16 big-endian) per entry — the `pulse_body` referenced throughout
// spec.md §4.1.
func PackPulseTable(pulses []int) []byte {
	buf := make([]byte, 0, 2*len(pulses))
	for _, p := range pulses {
		buf = appendU16(buf, uint16(p))
	}
	return buf
}

// ISEEntry is one run of the run-length-compressed insulin schedule
// table: RunLength identical half-hour slots, each delivering Pulses
// pulses.
type ISEEntry struct {
	RunLength int // 1..256
	Pulses    uint16
}

// InsulinScheduleTable run-length-compresses a per-half-hour pulse list
// into the ISE table referenced by spec.md §4.1 ("ise_list = run-length
// compressed schedule table"). A single byte holds RunLength-1, so a run
// longer than 256 slots is split across multiple entries.
func InsulinScheduleTable(pulses []int) []ISEEntry {
	var entries []ISEEntry
	i := 0
	for i < len(pulses) {
		j := i + 1
		for j < len(pulses) && pulses[j] == pulses[i] && j-i < 256 {
			j++
		}
		entries = append(entries, ISEEntry{RunLength: j - i, Pulses: uint16(pulses[i])})
		i = j
	}
	return entries
}

// PackInsulinScheduleTable packs ise entries as u8(run_length-1) ‖
// u16(pulses) each — the `ise_body` referenced throughout spec.md §4.1.
func PackInsulinScheduleTable(entries []ISEEntry) []byte {
	buf := make([]byte, 0, 3*len(entries))
	for _, e := range entries {
		buf = append(buf, byte(e.RunLength-1))
		buf = appendU16(buf, e.Pulses)
	}
	return buf
}

// HalfHourTiming is the (current_half_hour, seconds_until_half_hour)
// pair set_basal_schedule derives from the pod's local time before
// programming a schedule (spec.md §4.1).
type HalfHourTiming struct {
	CurrentHalfHour      int
	SecondsUntilHalfHour int
}

// ComputeHalfHourTiming derives HalfHourTiming from utcNow (always UTC)
// offset by utcOffsetMinutes, the pod's local clock.
func ComputeHalfHourTiming(utcNow time.Time, utcOffsetMinutes int) HalfHourTiming {
	local := utcNow.Add(time.Duration(utcOffsetMinutes) * time.Minute)
	hour := local.Hour()
	minute := local.Minute()
	second := local.Second()

	halfHourIndex := hour * 2
	var secondsUntil int
	if minute < 30 {
		secondsUntil = (30-minute-1)*60 + (60 - second)
	} else {
		halfHourIndex++
		secondsUntil = (60-minute-1)*60 + (60 - second)
	}

	return HalfHourTiming{
		CurrentHalfHour:      halfHourIndex % 48,
		SecondsUntilHalfHour: secondsUntil,
	}
}

// PulsesRemainingCurrent is the number of pulses left to deliver in the
// half hour already in progress, given the half hour's total pulse count
// and the seconds remaining in that slot (spec.md §4.1).
func PulsesRemainingCurrent(secondsUntilHalfHour int, pulsesThisHalfHour int) int {
	return (secondsUntilHalfHour * pulsesThisHalfHour) / 1800
}

// DecodeInsulinScheduleTable is the RLE inverse of
// InsulinScheduleTable/PackInsulinScheduleTable, used by the round-trip
// property in spec.md §8 (property 3).
func DecodeInsulinScheduleTable(body []byte) []int {
	var pulses []int
	for i := 0; i+3 <= len(body); i += 3 {
		runLength := int(body[i]) + 1
		p := int(int(body[i+1])<<8 | int(body[i+2]))
		for n := 0; n < runLength; n++ {
			pulses = append(pulses, p)
		}
	}
	return pulses
}
