package net

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// PortRange is an inclusive TCP port interval.
type PortRange struct {
	Lo int
	Hi int
}

func (r PortRange) Contains(port int) bool {
	return port >= r.Lo && port <= r.Hi
}

func (r PortRange) String() string {
	if r.Lo == r.Hi {
		return strconv.Itoa(r.Lo)
	}
	return fmt.Sprintf("%d-%d", r.Lo, r.Hi)
}

// ParsePortRanges parses a comma-separated list of ports and port ranges,
// e.g. "1735-1745,3300,5800-5820".
func ParsePortRanges(s string) ([]PortRange, error) {
	var ranges []PortRange
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, found := strings.Cut(part, "-")
		r := PortRange{}
		var err error
		r.Lo, err = strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return nil, fmt.Errorf("parsing port range %q: %w", part, err)
		}
		r.Hi = r.Lo
		if found {
			r.Hi, err = strconv.Atoi(strings.TrimSpace(hi))
			if err != nil {
				return nil, fmt.Errorf("parsing port range %q: %w", part, err)
			}
		}
		if r.Hi < r.Lo {
			return nil, fmt.Errorf("port range %q is inverted", part)
		}
		ranges = append(ranges, r)
	}
	return ranges, nil
}

// GetEphemeralTCPPort asks the kernel for a free TCP port.
func GetEphemeralTCPPort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, fmt.Errorf("resolving localhost:0: %w", err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}
