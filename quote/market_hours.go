package quote

import "time"

var marketTZ = func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.UTC
	}
	return loc
}()

// IsMarketHours reports whether t falls within regular US equity trading
// hours, 09:30–16:00 Eastern on weekdays. Streaming and reconciliation keep
// running off-hours; this only informs status reporting and logging.
func IsMarketHours(t time.Time) bool {
	et := t.In(marketTZ)
	switch et.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	minutes := et.Hour()*60 + et.Minute()
	return minutes >= 9*60+30 && minutes <= 16*60
}
