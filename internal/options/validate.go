package options

import (
	"fmt"
	"net/url"
	"os"

	"github.com/shirou/gopsutil/v3/disk"
)

// Required rejects an absent (nil) value, an empty string or an empty slice.
// Numeric and boolean values always pass.
func Required(value any) error {
	switch v := value.(type) {
	case string:
		if v == "" {
			return fmt.Errorf("value is required")
		}
	case []string:
		if len(v) == 0 {
			return fmt.Errorf("value is required")
		}
	case nil:
		return fmt.Errorf("value is required")
	}
	return nil
}

// RangeInt builds a Validator enforcing min <= value <= max for int-valued leaves.
func RangeInt(min, max int) Validator {
	return func(value any) error {
		n, ok := value.(int)
		if !ok {
			return fmt.Errorf("expected int, got %T", value)
		}
		if n < min || n > max {
			return fmt.Errorf("%d out of range [%d, %d]", n, min, max)
		}
		return nil
	}
}

// Enum builds a Validator restricting a string leaf to a fixed set of values.
func Enum(allowed ...string) Validator {
	return func(value any) error {
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
		for _, a := range allowed {
			if a == s {
				return nil
			}
		}
		return fmt.Errorf("%q not one of %v", s, allowed)
	}
}

// URL validates an absolute http(s) URL. An absent or empty value passes.
func URL(value any) error {
	if value == nil {
		return nil
	}
	s, ok := value.(string)
	if !ok {
		return fmt.Errorf("expected string, got %T", value)
	}
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%q is not an absolute http(s) URL", s)
	}
	return nil
}

// Writeable validates that the path names an existing directory in which a
// file can be created, and that it has measurable free space, via
// gopsutil/v3/disk.
func Writeable(value any) error {
	s, ok := value.(string)
	if !ok {
		return fmt.Errorf("expected string, got %T", value)
	}
	if s == "" {
		return nil
	}
	info, err := os.Stat(s)
	if err == nil && !info.IsDir() {
		return fmt.Errorf("%q is not a directory", s)
	}
	if err != nil {
		return fmt.Errorf("%q does not exist: %w", s, err)
	}
	probe, err := os.CreateTemp(s, ".soulfired-writeable-*")
	if err != nil {
		return fmt.Errorf("%q is not writeable: %w", s, err)
	}
	probe.Close()
	os.Remove(probe.Name())
	usage, err := disk.Usage(s)
	if err != nil {
		// Disk usage is advisory; a lookup failure isn't itself invalid.
		return nil
	}
	if usage.Free == 0 {
		return fmt.Errorf("%q has no free space", s)
	}
	return nil
}
