// Package humanfmt renders byte counts, durations and item counts for
// log fields meant to be read by people.
package humanfmt

import (
	"fmt"
	"strconv"
	"time"
)

// Binary (IEC) units for bytes.
const (
	KiB = 1024
	MiB = 1024 * KiB
	GiB = 1024 * MiB
	TiB = 1024 * GiB
)

type unit struct {
	size   float64
	suffix string
}

var byteUnits = []unit{{TiB, "TiB"}, {GiB, "GiB"}, {MiB, "MiB"}, {KiB, "KiB"}}

var countUnits = []unit{{1e9, "B"}, {1e6, "M"}, {1e3, "K"}}

// Bytes formats a byte count using IEC units, e.g. "1.50 MiB".
func Bytes(b int64) string {
	for _, u := range byteUnits {
		if float64(b) >= u.size {
			return fmt.Sprintf("%.2f %s", float64(b)/u.size, u.suffix)
		}
	}
	return fmt.Sprintf("%d B", b)
}

// Throughput formats bytes moved over d as a rate, e.g. "12.00 MiB/s".
func Throughput(bytes int64, d time.Duration) string {
	if d <= 0 {
		return "∞"
	}
	rate := float64(bytes) / d.Seconds()
	for _, u := range byteUnits {
		if rate >= u.size {
			return fmt.Sprintf("%.2f %s/s", rate/u.size, u.suffix)
		}
	}
	return fmt.Sprintf("%.0f B/s", rate)
}

// Count formats an item count with a metric suffix, e.g. "1.23M".
func Count(n int64) string {
	for _, u := range countUnits {
		if float64(n) >= u.size {
			return fmt.Sprintf("%.2f%s", float64(n)/u.size, u.suffix)
		}
	}
	return strconv.FormatInt(n, 10)
}

// Duration formats d compactly: "1m30s", "2h15m", "1.23s", "45.6ms".
func Duration(d time.Duration) string {
	switch {
	case d < 0:
		return d.String()
	case d >= time.Hour:
		return compound(int64(d/time.Hour), "h", int64((d%time.Hour)/time.Minute), "m")
	case d >= time.Minute:
		return compound(int64(d/time.Minute), "m", int64((d%time.Minute)/time.Second), "s")
	case d >= time.Second:
		return fmt.Sprintf("%.2fs", d.Seconds())
	case d >= time.Millisecond:
		return fmt.Sprintf("%.1fms", float64(d)/float64(time.Millisecond))
	case d >= time.Microsecond:
		return fmt.Sprintf("%.1fµs", float64(d)/float64(time.Microsecond))
	}
	return fmt.Sprintf("%dns", d.Nanoseconds())
}

func compound(major int64, majorUnit string, minor int64, minorUnit string) string {
	if minor == 0 {
		return fmt.Sprintf("%d%s", major, majorUnit)
	}
	return fmt.Sprintf("%d%s%d%s", major, majorUnit, minor, minorUnit)
}
