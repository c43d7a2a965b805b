package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
)

// Server listens for peers and hands them out one at a time.
type Server struct {
	listener net.Listener
	options  ConnectionOptions

	closed    chan struct{}
	closeOnce sync.Once
}

// Listen starts a TCP listener. An empty address picks any free port.
func Listen(address string, options ConnectionOptions) (*Server, error) {
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	return &Server{
		listener: listener,
		options:  options,
		closed:   make(chan struct{}),
	}, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Accept waits for the next peer. It returns net.ErrClosed after Close or
// ctx.Err() once ctx is done.
func (s *Server) Accept(ctx context.Context) (*Connection, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = s.Close()
	})
	defer stop()

	conn, err := s.listener.Accept()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		select {
		case <-s.closed:
			return nil, net.ErrClosed
		default:
		}
		return nil, fmt.Errorf("accept connection: %w", err)
	}
	return NewConnection(conn, s.options), nil
}

// Close stops accepting connections.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		if errors.Is(closeErr, net.ErrClosed) {
			closeErr = nil
		}
	})
	return closeErr
}
