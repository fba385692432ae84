package budget

import "time"

// nextReset returns the first period boundary strictly after now,
// aligned to the calendar in loc. PeriodTotal has no boundary and
// returns the zero time.
func nextReset(p Period, now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	switch p {
	case PeriodHour:
		// Built from calendar components rather than Truncate: in
		// zones with fractional UTC offsets the boundary is still the
		// local top of hour.
		y, m, d := local.Date()
		return time.Date(y, m, d, local.Hour()+1, 0, 0, 0, loc)
	case PeriodDay:
		y, m, d := local.Date()
		return time.Date(y, m, d+1, 0, 0, 0, 0, loc)
	case PeriodWeek:
		// Monday 00:00. time.Weekday counts Sunday as 0.
		y, m, d := local.Date()
		days := int(time.Monday - local.Weekday())
		if days <= 0 {
			days += 7
		}
		return time.Date(y, m, d+days, 0, 0, 0, 0, loc)
	case PeriodMonth:
		y, m, _ := local.Date()
		return time.Date(y, m+1, 1, 0, 0, 0, 0, loc)
	}
	return time.Time{}
}
