package health

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPChecker passes when a connection to Address is accepted
type TCPChecker struct {
	Address string
}

// NewTCPChecker creates a TCP checker for host:port
func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{Address: address}
}

// Check dials the address. The deadline comes from ctx.
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return Result{
			Message:   fmt.Sprintf("connection failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	conn.Close()

	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("TCP connection to %s successful", t.Address),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

func (t *TCPChecker) Type() CheckType {
	return CheckTypeTCP
}
