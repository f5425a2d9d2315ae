package device

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseSharedWindow resolves a shared-devices setting against a pool of n
// devices. An integer is a device count, a float in (0,1] is a ratio of n,
// and an empty value admits the whole pool. The result is clamped to
// [0, n].
func ParseSharedWindow(val string, n int) (int, error) {
	s := strings.TrimSpace(val)
	if s == "" {
		return n, nil
	}
	if c, err := strconv.Atoi(s); err == nil {
		if c < 0 {
			return 0, fmt.Errorf("shared devices count must be >= 0, got %d", c)
		}
		if c > n {
			c = n
		}
		return c, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid shared devices value %q", val)
	}
	if f <= 0 || f > 1 {
		return 0, fmt.Errorf("shared devices ratio must be in (0,1], got %v", f)
	}
	return int(f * float64(n)), nil
}
