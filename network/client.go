package network

import (
	"fmt"
	"net"
	"time"
)

// Dial connects to a listening peer within timeout.
func Dial(address string, timeout time.Duration, options ConnectionOptions) (*Connection, error) {
	if timeout <= 0 {
		timeout = DefaultConnectionTimeout
	}

	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.SetNoDelay(true); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("set no delay: %w", err)
		}
	}

	return NewConnection(conn, options), nil
}
