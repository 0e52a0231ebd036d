package config

import (
	"fmt"
	"strconv"
	"strings"
)

var sizeUnits = []struct {
	suffix     string
	multiplier int64
}{
	{"GIB", 1 << 30},
	{"MIB", 1 << 20},
	{"KIB", 1 << 10},
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"G", 1 << 30},
	{"M", 1 << 20},
	{"K", 1 << 10},
	{"B", 1},
}

// ParseSize parses sizes such as "100MB", "512KiB" or "1024". Units are
// binary: 1MB is 1<<20 bytes.
func ParseSize(s string) (int64, error) {
	raw := s
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	var multiplier int64 = 1
	for _, unit := range sizeUnits {
		if strings.HasSuffix(s, unit.suffix) {
			multiplier = unit.multiplier
			s = strings.TrimSpace(strings.TrimSuffix(s, unit.suffix))
			break
		}
	}

	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", raw)
	}
	if val <= 0 {
		return 0, fmt.Errorf("size must be positive (got %q)", raw)
	}
	if val > (1<<62)/multiplier {
		return 0, fmt.Errorf("size %q is too large", raw)
	}
	return val * multiplier, nil
}
