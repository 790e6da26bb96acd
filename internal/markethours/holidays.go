package markethours

import "time"

type day struct {
	month time.Month
	day   int
}

// NYSE full-day closures.
// Source: NYSE holidays and trading hours calendar.
var nyseHolidays = map[int][]day{
	2026: {
		{time.January, 1},   // New Year's Day
		{time.January, 19},  // Martin Luther King Jr. Day
		{time.February, 16}, // Washington's Birthday
		{time.April, 3},     // Good Friday
		{time.May, 25},      // Memorial Day
		{time.June, 19},     // Juneteenth
		{time.July, 3},      // Independence Day (observed)
		{time.September, 7}, // Labor Day
		{time.November, 26}, // Thanksgiving Day
		{time.December, 25}, // Christmas Day
	},
	2027: {
		{time.January, 1},
		{time.January, 18},
		{time.February, 15},
		{time.March, 26},
		{time.May, 31},
		{time.June, 18},
		{time.July, 5},
		{time.September, 6},
		{time.November, 25},
		{time.December, 24},
	},
}

// NYSE 13:00 early closes.
var nyseEarlyCloses = map[int][]day{
	2026: {
		{time.November, 27}, // day after Thanksgiving
		{time.December, 24}, // Christmas Eve
	},
	2027: {
		{time.November, 26},
	},
}

var (
	holidaySet   map[string]bool
	earlyHalfSet map[string]bool
)

func init() {
	holidaySet = index(nyseHolidays)
	earlyHalfSet = index(nyseEarlyCloses)
}

func index(src map[int][]day) map[string]bool {
	out := make(map[string]bool)
	for year, days := range src {
		for _, d := range days {
			out[dateKey(year, d.month, d.day)] = true
		}
	}
	return out
}

// IsHoliday returns true if the date (in New York) is an NYSE holiday.
func IsHoliday(t time.Time) bool {
	ny := t.In(NewYork)
	return holidaySet[dateKey(ny.Year(), ny.Month(), ny.Day())]
}

// IsEarlyClose returns true if the exchange closes at 13:00 on t's date.
func IsEarlyClose(t time.Time) bool {
	ny := t.In(NewYork)
	return earlyHalfSet[dateKey(ny.Year(), ny.Month(), ny.Day())]
}

func dateKey(year int, month time.Month, d int) string {
	return time.Date(year, month, d, 0, 0, 0, 0, time.UTC).Format("2006-01-02")
}
