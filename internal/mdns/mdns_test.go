package mdns

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
)

func TestHostFromEntry(t *testing.T) {
	e := zeroconf.NewServiceEntry(`iiod\ on\ pluto`, ServiceIIOD, "local.")
	e.HostName = "pluto.local."
	e.Port = 30431
	e.AddrIPv4 = []net.IP{net.ParseIP("192.168.2.1")}
	e.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
	e.Text = []string{"model=pluto"}

	h := hostFromEntry(e)
	if h.Instance != "iiod on pluto" {
		t.Fatalf("instance = %q", h.Instance)
	}
	if len(h.Addresses) != 2 || !h.Addresses[0].Equal(net.ParseIP("192.168.2.1")) {
		t.Fatalf("addresses = %v", h.Addresses)
	}
	if h.Addr() != "192.168.2.1:30431" {
		t.Fatalf("addr = %q", h.Addr())
	}
	if hostKey(h) != "pluto.local.|30431" {
		t.Fatalf("key = %q", hostKey(h))
	}

	e.Text[0] = "changed"
	if h.TXT[0] != "model=pluto" {
		t.Fatalf("TXT aliases the entry")
	}
}

func TestAddrWithoutAddresses(t *testing.T) {
	if got := (Host{Port: 1}).Addr(); got != "" {
		t.Fatalf("addr = %q, want empty", got)
	}
	h := Host{Addresses: []net.IP{net.ParseIP("fe80::2")}, Port: 30431}
	if h.Addr() != "[fe80::2]:30431" {
		t.Fatalf("addr = %q", h.Addr())
	}
}
