package health

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPChecker performs a best-effort connect to the DUT's host-mapped
// port, the lowest-common-denominator readiness signal.
type TCPChecker struct {
	Address string
	Timeout time.Duration
}

// NewTCPChecker builds a checker against host:port.
func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{Address: address, Timeout: 3 * time.Second}
}

func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	dialer := &net.Dialer{Timeout: t.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return Result{Ready: false, Message: fmt.Sprintf("connect failed: %v", err), CheckedAt: start, Duration: time.Since(start)}
	}
	conn.Close()
	return Result{Ready: true, Message: fmt.Sprintf("connected to %s", t.Address), CheckedAt: start, Duration: time.Since(start)}
}

func (t *TCPChecker) Type() CheckType { return CheckTypeTCP }
