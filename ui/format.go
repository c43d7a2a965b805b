package ui

import (
	"fmt"
	"time"
)

// FormatSize renders a byte count with binary units.
func FormatSize(size uint64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := uint64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	prefixes := []string{"KiB", "MiB", "GiB", "TiB", "PiB", "EiB"}
	if exp >= len(prefixes) {
		exp = len(prefixes) - 1
	}
	return fmt.Sprintf("%.1f %s", float64(size)/float64(div), prefixes[exp])
}

// FormatSpeed renders a rate given in MB/s.
func FormatSpeed(megabytesPerSecond float64) string {
	return fmt.Sprintf("%.2f MB/s", megabytesPerSecond)
}

// FormatDuration renders d as days, hours, minutes and seconds, omitting
// leading zero units.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d.Round(time.Second) / time.Second)
	days := total / 86400
	hours := total % 86400 / 3600
	minutes := total % 3600 / 60
	seconds := total % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

// FormatMillis renders a round-trip time with sub-millisecond precision.
func FormatMillis(d time.Duration) string {
	return fmt.Sprintf("%.3f ms", float64(d)/float64(time.Millisecond))
}

// FormatTimestamp renders a unix-millisecond timestamp, or "-" for zero.
func FormatTimestamp(timestamp int64) string {
	if timestamp <= 0 {
		return "-"
	}
	return time.UnixMilli(timestamp).Format("02 Jan 15:04:05")
}
