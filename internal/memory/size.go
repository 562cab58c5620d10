// Copyright (C) 2024 CoreDB Authors.
// See LICENSE for copying information

// Package memory provides a byte-size type used throughout the codebase for
// configuration values and resource accounting (buffer budgets, admission
// memory caps) so that flags and config files can be written as "64MB"
// rather than a raw integer of bytes.
package memory

import (
	"fmt"
	"strconv"
	"strings"
)

// Size is a size in bytes.
type Size int64

// byte size units. These use binary multiples (as disk and memory sizes
// commonly do in practice) under the familiar KB/MB/GB/TB names.
const (
	B   Size = 1
	KB  Size = 1 << 10
	MB  Size = 1 << 20
	GB  Size = 1 << 30
	TB  Size = 1 << 40
	KiB      = KB
	MiB      = MB
	GiB      = GB
	TiB      = TB
)

// String converts size to a string using the largest suitable unit
// (TB/GB/MB/KB), falling back to a plain byte count.
func (size Size) String() string {
	switch {
	case size == 0:
		return "0"
	case size%TB == 0:
		return fmt.Sprintf("%.1f TB", float64(size)/float64(TB))
	case size%GB == 0:
		return fmt.Sprintf("%.1f GB", float64(size)/float64(GB))
	case size%MB == 0:
		return fmt.Sprintf("%.1f MB", float64(size)/float64(MB))
	case size%KB == 0:
		return fmt.Sprintf("%.1f KB", float64(size)/float64(KB))
	default:
		return fmt.Sprintf("%d B", int64(size))
	}
}

// Type implements pflag.Value so Size can back CLI flags directly.
func (Size) Type() string { return "memory.Size" }

// Set updates size from a human string such as "64MB", "1.5gb" or a plain
// byte count. The trailing "B" is optional; unit letters are
// case-insensitive.
func (size *Size) Set(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("memory: empty size")
	}

	mult := B
	lower := strings.ToLower(s)
	switch {
	case strings.HasSuffix(lower, "tb"):
		mult, s = TB, s[:len(s)-2]
	case strings.HasSuffix(lower, "gb"):
		mult, s = GB, s[:len(s)-2]
	case strings.HasSuffix(lower, "mb"):
		mult, s = MB, s[:len(s)-2]
	case strings.HasSuffix(lower, "kb"):
		mult, s = KB, s[:len(s)-2]
	case strings.HasSuffix(lower, "t"):
		mult, s = TB, s[:len(s)-1]
	case strings.HasSuffix(lower, "g"):
		mult, s = GB, s[:len(s)-1]
	case strings.HasSuffix(lower, "m"):
		mult, s = MB, s[:len(s)-1]
	case strings.HasSuffix(lower, "k"):
		mult, s = KB, s[:len(s)-1]
	case strings.HasSuffix(lower, "b"):
		mult, s = B, s[:len(s)-1]
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return fmt.Errorf("memory: invalid size %q: %w", s, err)
	}

	*size = Size(value * float64(mult))
	return nil
}

// Int returns the size as an int, for use with APIs expecting plain byte
// counts (e.g. buffer allocation).
func (size Size) Int() int { return int(size) }

// Int64 returns the size as an int64.
func (size Size) Int64() int64 { return int64(size) }

// Float64 returns the size as a float64, for ratio computations.
func (size Size) Float64() float64 { return float64(size) }
