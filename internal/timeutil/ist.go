package timeutil

import "time"

// IST is Asia/Kolkata. Falls back to a fixed +05:30 zone when tzdata is missing.
var IST = loadIST()

func loadIST() *time.Location {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		return time.FixedZone("IST", 5*60*60+30*60)
	}
	return loc
}

// StartOfDay returns midnight IST of the calendar day t falls on.
func StartOfDay(t time.Time) time.Time {
	in := t.In(IST)
	return time.Date(in.Year(), in.Month(), in.Day(), 0, 0, 0, 0, IST)
}

// DaysBetween counts whole IST calendar days from a to b (negative when b is earlier).
func DaysBetween(a, b time.Time) int {
	from := StartOfDay(a)
	to := StartOfDay(b)
	return int(to.Sub(from).Hours() / 24)
}

// DateOnly truncates t to a UTC date, the form expiry dates are stored in.
func DateOnly(t time.Time) time.Time {
	in := t.In(IST)
	return time.Date(in.Year(), in.Month(), in.Day(), 0, 0, 0, 0, time.UTC)
}
