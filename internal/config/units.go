package config

import (
	"fmt"
	"strings"
)

// ParseRate parses a packets-per-second value such as "5", "2.5k" or "1m".
// Units: k=1000, m=1000000.
func ParseRate(s string) (uint64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}

	multiplier := uint64(1)
	numStr := s
	switch s[len(s)-1] {
	case 'k':
		multiplier = 1_000
		numStr = s[:len(s)-1]
	case 'm':
		multiplier = 1_000_000
		numStr = s[:len(s)-1]
	}

	numStr = strings.TrimSpace(numStr)
	if numStr == "" {
		return 0, fmt.Errorf("invalid rate value: %q", s)
	}

	var value float64
	if _, err := fmt.Sscanf(numStr, "%f", &value); err != nil {
		return 0, fmt.Errorf("invalid rate value: %q", s)
	}
	if value < 0 {
		return 0, fmt.Errorf("rate cannot be negative: %q", s)
	}
	return uint64(value * float64(multiplier)), nil
}

// ParseSize parses a human-readable size string to bytes.
// Supports formats: "425984", "416kb", "1mb", "512kib" (case insensitive).
// Units: kb=1000, mb=1000000, kib=1024, mib=1048576.
func ParseSize(s string) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}

	multiplier := uint64(1)
	numStr := s

	switch {
	case strings.HasSuffix(s, "kib"):
		multiplier = 1 << 10
		numStr = s[:len(s)-3]
	case strings.HasSuffix(s, "mib"):
		multiplier = 1 << 20
		numStr = s[:len(s)-3]
	case strings.HasSuffix(s, "kb"):
		multiplier = 1_000
		numStr = s[:len(s)-2]
	case strings.HasSuffix(s, "mb"):
		multiplier = 1_000_000
		numStr = s[:len(s)-2]
	}

	numStr = strings.TrimSpace(numStr)
	if numStr == "" {
		return 0, fmt.Errorf("invalid size value: %q", s)
	}

	var value float64
	if _, err := fmt.Sscanf(numStr, "%f", &value); err != nil {
		return 0, fmt.Errorf("invalid size value: %q", s)
	}
	if value < 0 {
		return 0, fmt.Errorf("size cannot be negative: %q", s)
	}
	return int(value * float64(multiplier)), nil
}
