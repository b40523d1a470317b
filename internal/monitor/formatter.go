package monitor

import "fmt"

// FormatRate formats a rate as "X.X plans/min"
func FormatRate(rate float64) string {
	return fmt.Sprintf("%.1f plans/min", rate)
}

// FormatPercentage formats a ratio (0-1) as percentage
func FormatPercentage(ratio float64) string {
	return fmt.Sprintf("%.1f%%", ratio*100)
}

// FormatCount abbreviates large counts: 999, 1.2k, 3.4M.
func FormatCount(n int) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%.1fk", float64(n)/1_000)
	default:
		return fmt.Sprintf("%d", n)
	}
}
