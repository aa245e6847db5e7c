package mdns

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

// ServiceIIOD is the service type advertised by iiod.
const ServiceIIOD = "_iio._tcp"

// Host represents a discovered service instance.
type Host struct {
	Instance  string // Advertised name: "iiod on pluto"
	Hostname  string // DNS hostname: "pluto.local."
	Addresses []net.IP
	Port      int
	TXT       []string
}

// Addr returns "ip:port" for the first address, preferring IPv4.
func (h Host) Addr() string {
	if len(h.Addresses) == 0 {
		return ""
	}
	return net.JoinHostPort(h.Addresses[0].String(), strconv.Itoa(h.Port))
}

// DiscoverIIOD browses for iiod instances until ctx is done.
func DiscoverIIOD(ctx context.Context) ([]Host, error) {
	return Browse(ctx, ServiceIIOD)
}

// Browse performs a blocking mDNS browse for service in the local domain
// until ctx is done. It returns deduplicated host entries sorted by
// instance name.
func Browse(ctx context.Context, service string) ([]Host, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("resolver error: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	resultMap := make(map[string]Host)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case e, ok := <-entries:
				if !ok {
					return
				}
				if e == nil {
					continue
				}
				h := hostFromEntry(e)
				resultMap[hostKey(h)] = h
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, service, "local.", entries); err != nil {
		return nil, fmt.Errorf("browse error: %w", err)
	}
	<-done

	out := make([]Host, 0, len(resultMap))
	for _, h := range resultMap {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out, nil
}

func hostFromEntry(e *zeroconf.ServiceEntry) Host {
	addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
	addrs = append(addrs, e.AddrIPv4...)
	addrs = append(addrs, e.AddrIPv6...)
	return Host{
		Instance:  cleanInstance(e.Instance),
		Hostname:  e.HostName,
		Addresses: addrs,
		Port:      e.Port,
		TXT:       append([]string{}, e.Text...),
	}
}

func hostKey(h Host) string {
	return fmt.Sprintf("%s|%d", h.Hostname, h.Port)
}

// cleanInstance removes Zeroconf escape sequences: "\ " => " "
func cleanInstance(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}
