// Package utils holds small shared helpers with no domain knowledge.
package utils

import (
	"fmt"
	"strconv"
	"strings"
)

// multipliers maps size suffixes to bytes. Decimal units are 1000-based,
// IEC units and the single-letter shorthands are 1024-based.
var multipliers = map[string]int64{
	"B": 1, "BYTE": 1, "BYTES": 1,
	"KB": 1e3, "MB": 1e6, "GB": 1e9, "TB": 1e12, "PB": 1e15,
	"KIB": 1 << 10, "MIB": 1 << 20, "GIB": 1 << 30, "TIB": 1 << 40, "PIB": 1 << 50,
	"K": 1 << 10, "M": 1 << 20, "G": 1 << 30, "T": 1 << 40, "P": 1 << 50,
}

// ParseDataSize parses a human-friendly size like "50GB", "1.5TiB" or
// "512" (plain bytes) into a byte count.
func ParseDataSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}

	split := len(s)
	for split > 0 {
		c := s[split-1]
		if c >= '0' && c <= '9' || c == '.' {
			break
		}
		split--
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(s[:split]), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q (expected something like \"50GB\")", s)
	}

	unit := strings.ToUpper(strings.TrimSpace(s[split:]))
	mult, ok := multipliers[unit]
	if !ok {
		return 0, fmt.Errorf("unknown size unit %q", s[split:])
	}

	n := int64(value * float64(mult))
	if n < 0 {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return n, nil
}

// FormatDataSize renders a byte count with a 1024-based unit, e.g.
// "1.50 MB". Exact values drop the trailing decimals.
func FormatDataSize(bytes int64) string {
	if bytes < 0 {
		return "invalid"
	}
	if bytes < 1024 {
		return fmt.Sprintf("%d B", bytes)
	}

	units := []string{"KB", "MB", "GB", "TB", "PB"}
	value := float64(bytes)
	unit := ""
	for _, u := range units {
		value /= 1024
		unit = u
		if value < 1024 {
			break
		}
	}

	switch {
	case value == float64(int64(value)):
		return fmt.Sprintf("%.0f %s", value, unit)
	case value*10 == float64(int64(value*10)):
		return fmt.Sprintf("%.1f %s", value, unit)
	default:
		return fmt.Sprintf("%.2f %s", value, unit)
	}
}
