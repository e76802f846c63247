package printer

import (
	"fmt"
	"time"
)

var ageUnits = []struct {
	size time.Duration
	name string
}{
	{24 * time.Hour, "d"},
	{time.Hour, "h"},
	{time.Minute, "m"},
	{time.Second, "s"},
}

// Age returns a compact relative age like "3m", "5h" or "2d" for t, using
// the biggest unit that fits.
func Age(now, t time.Time) string {
	diff := now.Sub(t)
	if diff < time.Second {
		return "now"
	}

	for _, u := range ageUnits {
		if diff >= u.size {
			return fmt.Sprintf("%d%s", diff/u.size, u.name)
		}
	}
	return "now"
}

// FormatTimestamp returns a formatted timestamp string in UTC.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}

// FormatBytes returns a human-readable byte size like "512 B" or "1.5 KiB".
func FormatBytes(n int) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}

	div, exp := unit, 0
	for m := n / unit; m >= unit && exp < 3; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGT"[exp])
}

func formatScore(score *int64) string {
	if score == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *score)
}
