// Package discovery advertises and locates mpmd instances over mDNS.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the mDNS service mpmd devices announce.
const ServiceType = "_mpm._tcp"

// Host represents a discovered mpmd-capable device.
type Host struct {
	Instance  string // advertised name: "mpmd on n310"
	Hostname  string // DNS hostname: "ni-n310-31FFA42.local."
	Addresses []net.IP
	Port      int
	TXT       []string
}

// Advertiser keeps a registration alive until shut down.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise announces this device. The TXT records carry identity fields so
// clients can filter before connecting.
func Advertise(instance string, port int, deviceInfo map[string]string) (*Advertiser, error) {
	txt := txtRecords(deviceInfo)
	server, err := zeroconf.Register(instance, ServiceType, "local.", port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mdns service: %w", err)
	}
	return &Advertiser{server: server}, nil
}

// Shutdown withdraws the announcement.
func (a *Advertiser) Shutdown() {
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// txtRecords renders the identity map as deterministic key=value records.
func txtRecords(deviceInfo map[string]string) []string {
	keys := make([]string, 0, len(deviceInfo))
	for k := range deviceInfo {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	txt := make([]string, 0, len(keys))
	for _, k := range keys {
		txt = append(txt, fmt.Sprintf("%s=%s", k, deviceInfo[k]))
	}
	return txt
}

// ParseTXT recovers the identity map from a host's TXT records.
func ParseTXT(txt []string) map[string]string {
	info := make(map[string]string, len(txt))
	for _, record := range txt {
		k, v, ok := strings.Cut(record, "=")
		if !ok {
			continue
		}
		info[k] = v
	}
	return info
}

// Discover performs a blocking mDNS browse for mpmd devices. It returns
// cleaned and deduplicated host entries.
func Discover(timeoutSeconds int) ([]Host, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("resolver error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSeconds)*time.Second)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	resultMap := make(map[string]Host)

	// Consumer goroutine
	done := make(chan struct{})
	go func() {
		for {
			select {
			case e, ok := <-entries:
				if !ok {
					close(done)
					return
				}
				if e == nil {
					continue
				}

				// Consolidate IPs (both v4 and v6)
				addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
				addrs = append(addrs, e.AddrIPv4...)
				addrs = append(addrs, e.AddrIPv6...)

				// Pick a stable key
				key := fmt.Sprintf("%s|%d", e.HostName, e.Port)

				resultMap[key] = Host{
					Instance:  cleanInstance(e.Instance),
					Hostname:  e.HostName,
					Addresses: addrs,
					Port:      e.Port,
					TXT:       append([]string{}, e.Text...),
				}

			case <-ctx.Done():
				close(done)
				return
			}
		}
	}()

	// Start browsing
	if err := resolver.Browse(ctx, ServiceType, "local.", entries); err != nil {
		return nil, fmt.Errorf("browse error: %w", err)
	}

	<-done // wait for results

	// Convert map -> slice
	out := make([]Host, 0, len(resultMap))
	for _, h := range resultMap {
		out = append(out, h)
	}

	return out, nil
}

// cleanInstance removes Zeroconf escape sequences: "\ " => " "
func cleanInstance(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}
