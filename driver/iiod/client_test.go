package iiod

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"
)

func dialMock(t *testing.T, m *mockIIOD) *Client {
	t.Helper()
	c, err := Dial(context.Background(), m.Addr(), DialOptions{Timeout: time.Second, IOTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClientCommands(t *testing.T) {
	cases := []struct {
		name    string
		request string
		invoke  func(context.Context, *Client) error
	}{
		{
			name:    "open",
			request: "OPEN cf-ad9361-lpc 4096 0000000f",
			invoke: func(ctx context.Context, c *Client) error {
				return c.Open(ctx, "cf-ad9361-lpc", 4096, 0xf, false)
			},
		},
		{
			name:    "open cyclic",
			request: "OPEN cf-ad9361-dds-core-lpc 1024 00000003 CYCLIC",
			invoke: func(ctx context.Context, c *Client) error {
				return c.Open(ctx, "cf-ad9361-dds-core-lpc", 1024, 0x3, true)
			},
		},
		{
			name:    "close",
			request: "CLOSE cf-ad9361-lpc",
			invoke: func(ctx context.Context, c *Client) error {
				return c.CloseBuffer(ctx, "cf-ad9361-lpc")
			},
		},
		{
			name:    "timeout",
			request: "TIMEOUT 1500",
			invoke: func(ctx context.Context, c *Client) error {
				return c.SetTimeout(ctx, 1500*time.Millisecond)
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := startMockIIOD(t)
			c := dialMock(t, m)
			if err := tc.invoke(context.Background(), c); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got := m.Commands()
			if len(got) != 1 || got[0] != tc.request {
				t.Fatalf("commands = %q, want [%q]", got, tc.request)
			}
		})
	}
}

func TestClientPrint(t *testing.T) {
	m := startMockIIOD(t)
	c := dialMock(t, m)

	data, err := c.Print(context.Background())
	if err != nil {
		t.Fatalf("Print: %v", err)
	}
	if string(data) != twoChannelXML {
		t.Fatalf("unexpected XML payload of %d bytes", len(data))
	}
	// the connection stays usable after the trailing newline
	if err := c.SetTimeout(context.Background(), time.Second); err != nil {
		t.Fatalf("command after PRINT: %v", err)
	}
}

func TestClientRemoteError(t *testing.T) {
	m := startMockIIOD(t)
	c := dialMock(t, m)
	m.failNext("OPEN", 16)

	err := c.Open(context.Background(), "cf-ad9361-lpc", 16, 0x3, false)
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if re.Op != "OPEN" || re.Errno != 16 {
		t.Fatalf("unexpected remote error %+v", re)
	}
	if err := c.Open(context.Background(), "cf-ad9361-lpc", 16, 0x3, false); err != nil {
		t.Fatalf("failure should be one-shot: %v", err)
	}
}

func TestClientOpenValidation(t *testing.T) {
	m := startMockIIOD(t)
	c := dialMock(t, m)
	if err := c.Open(context.Background(), " ", 16, 1, false); err == nil {
		t.Fatalf("expected error for empty device")
	}
	if err := c.Open(context.Background(), "adc", 0, 1, false); err == nil {
		t.Fatalf("expected error for zero samples")
	}
	if _, err := c.WriteBuf(context.Background(), "dac", nil); err == nil {
		t.Fatalf("expected error for empty write")
	}
	if n := len(m.Commands()); n != 0 {
		t.Fatalf("validation failures reached the server: %d commands", n)
	}
}

func TestClientReadBufChunks(t *testing.T) {
	m := startMockIIOD(t, func(m *mockIIOD) { m.readChunk = 8 })
	c := dialMock(t, m)

	p := make([]byte, 20)
	n, err := c.ReadBuf(context.Background(), "cf-ad9361-lpc", p)
	if err != nil {
		t.Fatalf("ReadBuf: %v", err)
	}
	if n != 20 {
		t.Fatalf("read %d bytes, want 20", n)
	}
	// fifth wire sample: I=5, Q=-5
	if p[16] != 5 || p[18] != 0xfb || p[19] != 0xff {
		t.Fatalf("unexpected tail % x", p[16:])
	}
	if got := m.Commands(); got[0] != "READBUF cf-ad9361-lpc 20" {
		t.Fatalf("request = %q", got[0])
	}
}

func TestClientReadBufShortReply(t *testing.T) {
	m := startMockIIOD(t)
	c := dialMock(t, m)

	p := make([]byte, 10)
	n, err := c.ReadBuf(context.Background(), "cf-ad9361-lpc", p)
	if err != nil {
		t.Fatalf("ReadBuf: %v", err)
	}
	if n != 8 {
		t.Fatalf("read %d bytes, want 8", n)
	}
	if err := c.SetTimeout(context.Background(), time.Second); err != nil {
		t.Fatalf("stream out of sync after short read: %v", err)
	}
}

func TestClientServerTimeout(t *testing.T) {
	m := startMockIIOD(t, func(m *mockIIOD) {
		m.slowReads = 1
		m.readDelay = time.Second
	})
	c := dialMock(t, m)

	if err := c.SetTimeout(context.Background(), 20*time.Millisecond); err != nil {
		t.Fatalf("SetTimeout: %v", err)
	}
	p := make([]byte, 8)
	if _, err := c.ReadBuf(context.Background(), "cf-ad9361-lpc", p); !errors.Is(err, ErrTimeout) {
		t.Fatalf("ReadBuf error = %v, want ErrTimeout", err)
	}
	if err := c.SetTimeout(context.Background(), 20*time.Millisecond); err != nil {
		t.Fatalf("SetTimeout: %v", err)
	}
	n, err := c.ReadBuf(context.Background(), "cf-ad9361-lpc", p)
	if err != nil || n != 8 {
		t.Fatalf("ReadBuf = %d, %v after a server timeout", n, err)
	}
	want := []string{"TIMEOUT 20", "READBUF cf-ad9361-lpc 8", "READBUF cf-ad9361-lpc 8"}
	if got := m.Commands(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("commands = %q, want %q", got, want)
	}
}

func TestClientDrainsLateReply(t *testing.T) {
	m := startMockIIOD(t, func(m *mockIIOD) {
		m.slowReads = 1
		m.readDelay = 200 * time.Millisecond
		m.ignoreTimeout = true
	})
	c := dialMock(t, m)

	p := make([]byte, 8)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.ReadBuf(ctx, "cf-ad9361-lpc", p); !errors.Is(err, ErrTimeout) {
		t.Fatalf("ReadBuf error = %v, want ErrTimeout", err)
	}

	n, err := c.ReadBuf(context.Background(), "cf-ad9361-lpc", p)
	if err != nil || n != 8 {
		t.Fatalf("ReadBuf = %d, %v", n, err)
	}
	// the late reply held samples 1 and 2
	if p[0] != 3 {
		t.Fatalf("first sample I = %d, want 3", p[0])
	}
}

func TestClientBrokenByStalledReply(t *testing.T) {
	m := startMockIIOD(t, func(m *mockIIOD) { m.stall = 300 * time.Millisecond })
	c := dialMock(t, m)

	p := make([]byte, 8)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.ReadBuf(ctx, "cf-ad9361-lpc", p); !errors.Is(err, ErrBroken) {
		t.Fatalf("ReadBuf error = %v, want ErrBroken", err)
	}
	if err := c.Open(context.Background(), "cf-ad9361-lpc", 4, 0x3, false); !errors.Is(err, ErrBroken) {
		t.Fatalf("Open error = %v, want ErrBroken", err)
	}
	if err := c.SetTimeout(context.Background(), time.Second); !errors.Is(err, ErrBroken) {
		t.Fatalf("SetTimeout error = %v, want ErrBroken", err)
	}
	if got := m.Commands(); len(got) != 1 {
		t.Fatalf("commands = %q, want only the stalled READBUF", got)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestClientWriteBuf(t *testing.T) {
	m := startMockIIOD(t, func(m *mockIIOD) { m.acceptLimit = 6 })
	c := dialMock(t, m)

	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	n, err := c.WriteBuf(context.Background(), "dac", payload)
	if err != nil {
		t.Fatalf("WriteBuf: %v", err)
	}
	if n != 6 {
		t.Fatalf("accepted %d, want 6", n)
	}
	if !bytes.Equal(m.Written("dac"), payload[:6]) {
		t.Fatalf("server got % x", m.Written("dac"))
	}
}

func TestDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	_, err = Dial(context.Background(), addr, DialOptions{Timeout: 200 * time.Millisecond, Retries: 1})
	if err == nil {
		t.Fatalf("expected dial error")
	}
	if !strings.Contains(err.Error(), "connect to iiod at "+addr) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDialCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Dial(ctx, "127.0.0.1:1", DialOptions{Retries: 5}); err == nil {
		t.Fatalf("expected error for cancelled context")
	}
}
