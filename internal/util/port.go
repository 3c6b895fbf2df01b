package util

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	MinPort = 1024
	MaxPort = 65535
)

// ValidatePort checks if port is in the accepted range (1024-65535).
// Privileged ports are refused for both sides of a tunnel.
func ValidatePort(port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("port %d out of range (must be %d-%d)", port, MinPort, MaxPort)
	}
	return nil
}

// ParsePort converts user input to a validated port number.
func ParsePort(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("port is required")
	}
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q: not a number", s)
	}
	if err := ValidatePort(p); err != nil {
		return 0, err
	}
	return p, nil
}
