package util

import (
	"net"
	"strconv"
)

// IsPortBound reports whether a TCP port on 127.0.0.1 is already taken.
//
// The check binds the port itself: a failed bind (address in use, permission
// denied, ...) counts as bound, a successful bind is released immediately and
// counts as free. It never returns an error; only the boolean is meaningful.
//
// Note the result is a snapshot. Another process may grab the port right
// after the listener is closed.
func IsPortBound(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(ProbeHost, strconv.Itoa(port)))
	if err != nil {
		return true
	}
	_ = ln.Close()
	return false
}

// PortProbe adapts IsPortBound to the tunnel supervisor's PortChecker.
type PortProbe struct{}

func (PortProbe) IsPortBound(port int) bool { return IsPortBound(port) }
