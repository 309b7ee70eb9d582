package utils

import (
	"fmt"
	"net"
	"time"
)

// JoinHostPort is a convenience wrapper around net.JoinHostPort for numeric ports.
func JoinHostPort(host string, port int) string {
	return net.JoinHostPort(host, fmt.Sprintf("%d", port))
}

// ExponentialBackoff returns the delay to sleep before retry attempt n (0-indexed),
// doubling from base and capped at max.
func ExponentialBackoff(n int, base time.Duration, max time.Duration) time.Duration {
	delay := base
	for i := 0; i < n; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}

	return delay
}
