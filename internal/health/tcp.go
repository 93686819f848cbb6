package health

import (
	"context"
	"net"
	"time"
)

// TCPChecker reports a target reachable if a TCP dial succeeds.
type TCPChecker struct {
	Address string
}

func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{Address: address}
}

func (c *TCPChecker) Type() CheckType { return CheckTypeTCP }

func (c *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", c.Address)
	res := Result{CheckedAt: start, Duration: time.Since(start)}
	if err != nil {
		res.Healthy = false
		res.Message = err.Error()
		return res
	}
	conn.Close()
	res.Healthy = true
	return res
}
