package health

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPChecker dials an agent's address and reports whether the connection
// succeeds.
type TCPChecker struct {
	Address string
	Timeout time.Duration
}

// NewTCPChecker builds a TCPChecker with a 5s default timeout.
func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{Address: address, Timeout: 5 * time.Second}
}

// Check dials Address and reports reachability.
func (c *TCPChecker) Check() Result {
	start := time.Now()
	dialer := &net.Dialer{Timeout: c.Timeout}

	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	conn, err := dialer.DialContext(ctx, "tcp", c.Address)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("connection failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	conn.Close()

	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("tcp connection to %s succeeded", c.Address),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// WithTimeout overrides the default dial timeout.
func (c *TCPChecker) WithTimeout(timeout time.Duration) *TCPChecker {
	c.Timeout = timeout
	return c
}
