package config

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ByteSize is a byte count that accepts human-readable values in configuration.
// Units are binary: "64MB" is 64 * 1024 * 1024 bytes. A bare number is bytes.
type ByteSize int64

const (
	kib ByteSize = 1024
	mib          = 1024 * kib
	gib          = 1024 * mib
)

var byteUnits = map[string]ByteSize{
	"": 1, "b": 1,
	"k": kib, "kb": kib, "kib": kib,
	"m": mib, "mb": mib, "mib": mib,
	"g": gib, "gb": gib, "gib": gib,
}

var byteSizePattern = regexp.MustCompile(`(?i)^\s*([0-9]+(?:\.[0-9]+)?)\s*([a-z]*)\s*$`)

// ParseByteSize parses a human-readable byte size string.
func ParseByteSize(s string) (ByteSize, error) {
	m := byteSizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid byte size %q", s)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	unit, ok := byteUnits[strings.ToLower(m[2])]
	if !ok {
		return 0, fmt.Errorf("unknown byte size unit %q", m[2])
	}
	return ByteSize(value * float64(unit)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler for YAML/Viper support.
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// UnmarshalJSON accepts either a size string or a raw byte count.
func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n int64
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	return b.UnmarshalText([]byte(s))
}

// MarshalText implements encoding.TextMarshaler.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// Bytes returns the size in bytes.
func (b ByteSize) Bytes() int64 {
	return int64(b)
}

// String returns the size in the largest unit that divides it exactly.
func (b ByteSize) String() string {
	switch {
	case b == 0:
		return "0B"
	case b%gib == 0:
		return fmt.Sprintf("%dGB", b/gib)
	case b%mib == 0:
		return fmt.Sprintf("%dMB", b/mib)
	case b%kib == 0:
		return fmt.Sprintf("%dKB", b/kib)
	default:
		return fmt.Sprintf("%dB", int64(b))
	}
}

// Duration is a time.Duration that also accepts days ("7d") and weeks ("2w").
type Duration time.Duration

const (
	day  = 24 * time.Hour
	week = 7 * day
)

var longUnitPattern = regexp.MustCompile(`(\d+)([dw])`)

// ParseDuration parses a Go duration string extended with d and w units.
func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	var extra time.Duration
	rest := longUnitPattern.ReplaceAllStringFunc(s, func(match string) string {
		m := longUnitPattern.FindStringSubmatch(match)
		n, _ := strconv.ParseInt(m[1], 10, 64)
		if m[2] == "w" {
			extra += time.Duration(n) * week
		} else {
			extra += time.Duration(n) * day
		}
		return ""
	})
	if rest == "" {
		return Duration(extra), nil
	}
	d, err := time.ParseDuration(rest)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return Duration(extra + d), nil
}

// UnmarshalText implements encoding.TextUnmarshaler for YAML/Viper support.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// UnmarshalJSON accepts either a duration string or nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var ns int64
		if err := json.Unmarshal(data, &ns); err != nil {
			return err
		}
		*d = Duration(ns)
		return nil
	}
	return d.UnmarshalText([]byte(s))
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String renders whole weeks and days with the long units and the remainder in Go format.
func (d Duration) String() string {
	dur := time.Duration(d)
	if dur <= 0 {
		return dur.String()
	}

	var sb strings.Builder
	if w := dur / week; w > 0 {
		fmt.Fprintf(&sb, "%dw", w)
		dur -= w * week
	}
	if n := dur / day; n > 0 {
		fmt.Fprintf(&sb, "%dd", n)
		dur -= n * day
	}
	if dur > 0 || sb.Len() == 0 {
		sb.WriteString(dur.String())
	}
	return sb.String()
}
