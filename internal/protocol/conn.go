package protocol

import (
	"net"
	"time"
)

// DeadlineConn refreshes an idle deadline before every Read and Write so
// that no single network operation blocks longer than timeout.
type DeadlineConn struct {
	net.Conn
	timeout time.Duration
}

// NewDeadlineConn wraps conn. A zero timeout disables deadlines.
func NewDeadlineConn(conn net.Conn, timeout time.Duration) *DeadlineConn {
	return &DeadlineConn{Conn: conn, timeout: timeout}
}

func (c *DeadlineConn) Read(p []byte) (int, error) {
	if c.timeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(p)
}

func (c *DeadlineConn) Write(p []byte) (int, error) {
	if c.timeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(p)
}
