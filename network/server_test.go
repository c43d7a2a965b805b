package network

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func TestListenDialExchange(t *testing.T) {
	server, err := Listen("127.0.0.1:0", ConnectionOptions{ReadTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer func() {
		_ = server.Close()
	}()

	accepted := make(chan *Connection, 1)
	go func() {
		conn, err := server.Accept(context.Background())
		if err != nil {
			t.Errorf("Accept failed: %v", err)
			close(accepted)
			return
		}
		accepted <- conn
	}()

	client, err := Dial(server.Addr().String(), time.Second, ConnectionOptions{ReadTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	host, ok := <-accepted
	if !ok {
		t.FailNow()
	}
	defer func() {
		_ = host.Close()
	}()

	errs := make(chan error, 1)
	go func() {
		_, err := host.PingSeries(3, false, nil)
		errs <- err
	}()

	samples, err := client.PingSeries(3, true, nil)
	if err != nil {
		t.Fatalf("PingSeries(lead) failed: %v", err)
	}
	if len(samples) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(samples))
	}
	if err := <-errs; err != nil {
		t.Fatalf("PingSeries(follow) failed: %v", err)
	}
}

func TestAcceptStopsWithContext(t *testing.T) {
	server, err := Listen("127.0.0.1:0", ConnectionOptions{})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer func() {
		_ = server.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := server.Accept(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
}

func TestAcceptAfterClose(t *testing.T) {
	server, err := Listen("127.0.0.1:0", ConnectionOptions{})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	if err := server.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := server.Accept(context.Background()); !errors.Is(err, net.ErrClosed) {
		t.Fatalf("expected net.ErrClosed, got %v", err)
	}
}

func TestCloseReadStopsInboundOnTCP(t *testing.T) {
	server, err := Listen("127.0.0.1:0", ConnectionOptions{})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer func() {
		_ = server.Close()
	}()

	accepted := make(chan *Connection, 1)
	go func() {
		conn, err := server.Accept(context.Background())
		if err == nil {
			accepted <- conn
		}
		close(accepted)
	}()

	client, err := Dial(server.Addr().String(), time.Second, ConnectionOptions{})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()
	host := <-accepted
	if host == nil {
		t.Fatalf("Accept failed")
	}
	defer func() {
		_ = host.Close()
	}()

	if err := host.CloseRead(); err != nil {
		t.Fatalf("CloseRead failed: %v", err)
	}
	if _, err := host.ReceiveHeader(); err == nil {
		t.Fatalf("expected read after CloseRead to fail")
	}
	if err := host.SendPing(); err != nil {
		t.Fatalf("expected write half to stay open, got %v", err)
	}
}
