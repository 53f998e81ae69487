package marketdata

import "time"

// Range is a half-open time window [From, To).
type Range struct {
	From time.Time
	To   time.Time
}

// SplitRange cuts [from, to) into consecutive windows of at most size.
func SplitRange(from, to time.Time, size time.Duration) []Range {
	if !from.Before(to) || size <= 0 {
		return nil
	}

	var chunks []Range
	for cur := from; cur.Before(to); {
		end := cur.Add(size)
		if end.After(to) {
			end = to
		}
		chunks = append(chunks, Range{From: cur, To: end})
		cur = end
	}
	return chunks
}
