package plan

import "time"

// Period returns the billing period containing t: the UTC calendar month,
// inclusive of start and exclusive of end. Pure function; all requests in
// the same month get identical bounds regardless of the caller's timezone.
func Period(t time.Time) (start, end time.Time) {
	u := t.UTC()
	start = time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
	end = start.AddDate(0, 1, 0)
	return start, end
}
