// Package discovery advertises relays on the local network over mDNS and
// finds them from clients.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/hashicorp/mdns"
)

// ServiceType is the mDNS service relays register under.
const ServiceType = "_felt._tcp"

// DefaultBrowseTimeout bounds a Browse without a context deadline.
const DefaultBrowseTimeout = 2 * time.Second

// ErrNotFound is returned by First when no relay answered.
var ErrNotFound = errors.New("no relay found on the local network")

// Relay is one advertised relay.
type Relay struct {
	Instance string
	Host     string
	Addr     net.IP
	Port     int
	Info     []string
}

// WebSocketURL returns the relay's WebSocket endpoint.
func (r Relay) WebSocketURL() string {
	return fmt.Sprintf("ws://%s/v1/ws", net.JoinHostPort(r.Addr.String(), strconv.Itoa(r.Port)))
}

// Advertiser keeps a relay registered until Close.
type Advertiser struct {
	server *mdns.Server
	logger *slog.Logger
}

// Advertise registers a relay listening on port. An empty instance uses the
// host name.
func Advertise(instance string, port int, info []string, logger *slog.Logger) (*Advertiser, error) {
	if instance == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("could not get hostname: %w", err)
		}
		instance = host
	}

	service, err := mdns.NewMDNSService(instance, ServiceType, "", "", port, nil, info)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("failed to start mDNS server: %w", err)
	}
	logger.Info("Relay advertised", "instance", instance, "service", ServiceType, "port", port)
	return &Advertiser{server: server, logger: logger}, nil
}

// Close withdraws the advertisement.
func (a *Advertiser) Close() error {
	a.logger.Debug("Relay advertisement withdrawn")
	return a.server.Shutdown()
}

// Browse collects the relays answering within the context deadline, or
// DefaultBrowseTimeout without one. Results are sorted by instance name.
func Browse(ctx context.Context) ([]Relay, error) {
	timeout := DefaultBrowseTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 {
		return nil, context.DeadlineExceeded
	}

	entries := make(chan *mdns.ServiceEntry, 16)
	collected := make(chan []Relay, 1)
	go func() {
		seen := make(map[string]bool)
		var out []Relay
		for e := range entries {
			r, ok := fromEntry(e)
			if !ok || seen[r.Instance] {
				continue
			}
			seen[r.Instance] = true
			out = append(out, r)
		}
		collected <- out
	}()

	params := mdns.DefaultParams(ServiceType)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true
	err := mdns.Query(params)
	close(entries)
	relays := <-collected
	if err != nil {
		return nil, fmt.Errorf("mDNS query failed: %w", err)
	}

	sort.Slice(relays, func(i, j int) bool { return relays[i].Instance < relays[j].Instance })
	return relays, nil
}

// First returns the first relay found by Browse.
func First(ctx context.Context) (Relay, error) {
	relays, err := Browse(ctx)
	if err != nil {
		return Relay{}, err
	}
	if len(relays) == 0 {
		return Relay{}, ErrNotFound
	}
	return relays[0], nil
}

func fromEntry(e *mdns.ServiceEntry) (Relay, bool) {
	if e == nil || e.AddrV4 == nil || e.Port == 0 {
		return Relay{}, false
	}
	return Relay{
		Instance: e.Name,
		Host:     e.Host,
		Addr:     e.AddrV4,
		Port:     e.Port,
		Info:     e.InfoFields,
	}, true
}

// PortFromListen extracts the port of a listen address such as ":8787".
func PortFromListen(listen string) (int, error) {
	_, portStr, err := net.SplitHostPort(listen)
	if err != nil {
		return 0, fmt.Errorf("invalid listen address %q: %w", listen, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port in listen address %q", listen)
	}
	return port, nil
}
