package address

import (
	"regexp"
	"strconv"
	"time"

	"github.com/nextlevelbuilder/hiboss/internal/hiberr"
)

// relativeSegmentRE matches one segment of a relative deliver-at
// expression, e.g. "+1Y", "2M", "-30m": an optional sign, a number and a
// unit. Units are case-sensitive: Y (year), M (month), D (day), h (hour),
// m (minute), s (second).
var relativeSegmentRE = regexp.MustCompile(`([+-]?)(\d+)([YMDhms])`)

// relativeWholeRE matches a full relative expression: a signed first
// segment followed by any number of further segments. A later segment may
// carry its own sign; one without a sign takes the sign of the segment
// before it, so "+1Y2M3D" means +1Y +2M +3D and "+1Y-2M" is legal too.
var relativeWholeRE = regexp.MustCompile(`^[+-]\d+[YMDhms](?:[+-]?\d+[YMDhms])*$`)

// ParseDeliverAt parses the three accepted deliver-at dialects (spec §4.2,
// §6): an ISO 8601 instant with offset, a bare ISO-like local datetime
// (interpreted in bossTZ), or a signed relative expression built from
// Y/M/D/h/m/s segments applied to now. The result is returned as UTC,
// truncated to millisecond precision, matching the stored unix-ms contract.
func ParseDeliverAt(s string, now time.Time, bossTZ *time.Location) (time.Time, error) {
	if s == "" {
		return time.Time{}, hiberr.New(hiberr.InvalidInput, "empty deliver_at")
	}

	if relativeWholeRE.MatchString(s) {
		t, err := applyRelative(s, now)
		if err != nil {
			return time.Time{}, err
		}
		return t.UTC().Truncate(time.Millisecond), nil
	}

	// ISO 8601 with explicit offset/zone.
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC().Truncate(time.Millisecond), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC().Truncate(time.Millisecond), nil
	}

	// Bare ISO-like local datetime, interpreted in the boss timezone.
	for _, layout := range []string{
		"2006-01-02T15:04:05",
		"2006-01-02T15:04",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
		"2006-01-02",
	} {
		if t, err := time.ParseInLocation(layout, s, bossTZ); err == nil {
			return t.UTC().Truncate(time.Millisecond), nil
		}
	}

	return time.Time{}, hiberr.New(hiberr.InvalidInput, "unrecognized deliver_at %q", s)
}

// applyRelative applies a concatenated sequence of signed Y/M/D/h/m/s
// segments to now. Year/month arithmetic is applied before day/time
// arithmetic, and day-of-month is clamped to the resulting month's length
// (spec §4.2: "Month/year arithmetic clamps the day-of-month to the target
// month's length").
func applyRelative(s string, now time.Time) (time.Time, error) {
	matches := relativeSegmentRE.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return time.Time{}, hiberr.New(hiberr.InvalidInput, "malformed relative deliver_at %q", s)
	}

	var years, months, days int
	var dur time.Duration

	sign := 1
	for _, m := range matches {
		switch m[1] {
		case "+":
			sign = 1
		case "-":
			sign = -1
		}
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return time.Time{}, hiberr.New(hiberr.InvalidInput, "malformed relative segment %q in %q", m[0], s)
		}
		n *= sign
		switch m[3] {
		case "Y":
			years += n
		case "M":
			months += n
		case "D":
			days += n
		case "h":
			dur += time.Duration(n) * time.Hour
		case "m":
			dur += time.Duration(n) * time.Minute
		case "s":
			dur += time.Duration(n) * time.Second
		}
	}

	t := addClampedYM(now, years, months)
	t = t.AddDate(0, 0, days)
	t = t.Add(dur)
	return t, nil
}

// addClampedYM adds years and months to t, clamping the resulting
// day-of-month to the target month's length (time.AddDate instead rolls
// over into the following month, which spec §4.2 explicitly disallows).
func addClampedYM(t time.Time, years, months int) time.Time {
	if years == 0 && months == 0 {
		return t
	}
	y, m, d := t.Date()
	totalMonths := int(m) - 1 + months
	targetYear := y + years + totalMonths/12
	targetMonth := time.Month(totalMonths%12 + 1)
	if targetMonth <= 0 {
		targetMonth += 12
		targetYear--
	}
	lastDay := daysInMonth(targetYear, targetMonth)
	if d > lastDay {
		d = lastDay
	}
	return time.Date(targetYear, targetMonth, d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// FormatUTCMs formats an instant as unix-ms, the storage representation.
func FormatUTCMs(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

// ParseUTCMs inverts FormatUTCMs.
func ParseUTCMs(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
