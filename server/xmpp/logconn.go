package xmpp

import (
	"net"

	"github.com/mailgate/mailgate/helpers"
	"github.com/mailgate/mailgate/logger"
)

// loggingConn dumps raw stream traffic. The component stream has no line
// structure, so each read or write chunk is logged as one entry.
type loggingConn struct {
	net.Conn
}

func newLoggingConn(c net.Conn) net.Conn {
	return &loggingConn{Conn: c}
}

func (c *loggingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		logger.Debug("[XMPP] recv", "data", string(p[:n]))
	}
	return n, err
}

func (c *loggingConn) Write(p []byte) (int, error) {
	logger.Debug("[XMPP] send", "data", helpers.MaskSensitive(string(p)))
	return c.Conn.Write(p)
}
