package transport

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"
)

func TestTCPTransportFramesBothDirections(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = ln.Close() }()

	serverGot := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		payload, err := readFrame(ioReadFullFunc(conn))
		if err != nil {
			return
		}
		serverGot <- payload
		frame, _ := encodeFrame([]byte("pong"))
		_, _ = conn.Write(frame)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	tr := NewTCPTransport("127.0.0.1", addr.Port)
	if tr.StatusTarget() != net.JoinHostPort("127.0.0.1", strconv.Itoa(addr.Port)) {
		t.Fatalf("unexpected status target %q", tr.StatusTarget())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer func() { _ = tr.Close() }()

	if err := tr.WriteFrame(ctx, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case got := <-serverGot:
		if !bytes.Equal(got, []byte("ping")) {
			t.Fatalf("server got %q", got)
		}
	case <-ctx.Done():
		t.Fatalf("server did not receive frame")
	}

	got, err := tr.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "pong" {
		t.Fatalf("client got %q", got)
	}

	// Server closed after replying; the next read must report a closed link.
	if _, err := tr.ReadFrame(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after peer close, got %v", err)
	}
}

func TestTCPTransportReadBeforeConnect(t *testing.T) {
	tr := NewTCPTransport("127.0.0.1", 0)
	if _, err := tr.ReadFrame(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if tr.port != defaultTCPPort {
		t.Fatalf("expected default port %d, got %d", defaultTCPPort, tr.port)
	}
}

func TestTCPTransportReadUnblocksOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = ln.Close() }()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			time.Sleep(2 * time.Second)
			_ = conn.Close()
		}
	}()

	tr := NewTCPTransport("127.0.0.1", ln.Addr().(*net.TCPAddr).Port)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer func() { _ = tr.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	if _, err := tr.ReadFrame(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("read did not unblock promptly")
	}
}
