// Package markethours is the NYSE session calendar used to gate stock checks.
package markethours

import (
	"fmt"
	"time"
	_ "time/tzdata"
)

// NewYork is the exchange's local time zone.
var NewYork = mustLoad("America/New_York")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(fmt.Sprintf("markethours: load %s: %v", name, err))
	}
	return loc
}

// Regular session in New York time.
const (
	OpenHour         = 9
	OpenMinute       = 30
	CloseHour        = 16
	CloseMinute      = 0
	EarlyCloseHour   = 13
	EarlyCloseMinute = 0
)

// IsMarketOpen returns true if t falls within NYSE trading hours
// (9:30 AM to 4:00 PM New York, Mon–Fri, excluding holidays).
func IsMarketOpen(t time.Time) bool {
	ny := t.In(NewYork)
	if !IsTradingDay(ny) {
		return false
	}
	return !ny.Before(todayOpen(ny)) && ny.Before(TodayClose(ny))
}

// IsWeekday returns true if t is Mon–Fri in New York.
func IsWeekday(t time.Time) bool {
	wd := t.In(NewYork).Weekday()
	return wd >= time.Monday && wd <= time.Friday
}

// IsTradingDay returns true if t is a weekday and not a holiday.
func IsTradingDay(t time.Time) bool {
	return IsWeekday(t) && !IsHoliday(t)
}

func todayOpen(ny time.Time) time.Time {
	return time.Date(ny.Year(), ny.Month(), ny.Day(), OpenHour, OpenMinute, 0, 0, NewYork)
}

// NextOpen returns the next session open. If t is before today's open on a
// trading day, returns today's open.
func NextOpen(t time.Time) time.Time {
	ny := t.In(NewYork)

	if open := todayOpen(ny); ny.Before(open) && IsTradingDay(ny) {
		return open
	}

	d := time.Date(ny.Year(), ny.Month(), ny.Day()+1, 12, 0, 0, 0, NewYork)
	for i := 0; i < 10; i++ { // weekends plus at most one holiday
		if IsTradingDay(d) {
			return todayOpen(d)
		}
		d = d.AddDate(0, 0, 1)
	}
	return todayOpen(d)
}

// TodayClose returns the close of t's New York date, honoring early closes.
func TodayClose(t time.Time) time.Time {
	ny := t.In(NewYork)
	if IsEarlyClose(ny) {
		return time.Date(ny.Year(), ny.Month(), ny.Day(), EarlyCloseHour, EarlyCloseMinute, 0, 0, NewYork)
	}
	return time.Date(ny.Year(), ny.Month(), ny.Day(), CloseHour, CloseMinute, 0, 0, NewYork)
}

// TimeUntilClose returns the duration until today's close.
// Returns 0 if market is already closed.
func TimeUntilClose(t time.Time) time.Duration {
	d := TodayClose(t).Sub(t)
	if d < 0 {
		return 0
	}
	return d
}

// TimeUntilOpen returns the duration until the next market open.
func TimeUntilOpen(t time.Time) time.Duration {
	return NextOpen(t).Sub(t)
}

// StatusString returns a human-readable market status.
func StatusString(t time.Time) string {
	if IsMarketOpen(t) {
		return fmt.Sprintf("Market open, closes in %s", fmtDur(TimeUntilClose(t)))
	}
	next := NextOpen(t)
	ny := next.In(NewYork)
	return fmt.Sprintf("Market closed, opens %s %s ET (%s)",
		ny.Weekday().String()[:3], ny.Format("15:04"), fmtDur(next.Sub(t)))
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
