// Package portdiscovery populates the port registry from the ordered
// discovery strategies available on a live tunnel.
//
// Strategies, in order: the tunnel object embedded in the workspace record,
// the provider's management API, the relay's forwarding-service listeners,
// and (targeted lookups only) the relay's wait-for-forwarded call followed by
// TCP probes of a configured fallback list. Every strategy feeds the
// registry, which resolves conflicts by source priority.
package portdiscovery

import (
	"context"
	"fmt"
	"log"
	"net"
	"regexp"
	"strconv"
	"time"

	"github.com/termbridge/termbridge/internal/config"
	"github.com/termbridge/termbridge/internal/portregistry"
)

// Relay is the non-owning handle the discoverer needs from the relay client.
type Relay interface {
	WaitForForwarded(ctx context.Context, remotePort int) (int, error)
	Listeners() map[int]int
}

// ManagementAPI lists the tunnel's ports with the manage-scope token.
type ManagementAPI interface {
	ListTunnelPorts(ctx context.Context) ([]TunnelPort, error)
}

// TunnelPort is one entry of a tunnel's port array, as reported by either
// the tunnel object or the management API.
type TunnelPort struct {
	RemotePort    int
	ForwardingURI string // scheme://host:PORT[/...]
	Protocol      string
}

// forwardingURIPort extracts the local port from a forwarding URI.
var forwardingURIPort = regexp.MustCompile(`:(\d+)(?:/|$)`)

// Discoverer merges discovery strategies into the registry for one session.
type Discoverer struct {
	registry *portregistry.Registry
	relay    Relay
	mgmt     ManagementAPI

	// tunnelPorts is the port array captured from the tunnel object at
	// acquisition time.
	tunnelPorts []TunnelPort

	fallback     config.FallbackPorts
	probeTimeout time.Duration
}

// New creates a Discoverer. mgmt may be nil when no manage-scope token is
// available; the strategy is then skipped.
func New(registry *portregistry.Registry, relay Relay, mgmt ManagementAPI, tunnelPorts []TunnelPort, fallback config.FallbackPorts) *Discoverer {
	return &Discoverer{
		registry:     registry,
		relay:        relay,
		mgmt:         mgmt,
		tunnelPorts:  tunnelPorts,
		fallback:     fallback,
		probeTimeout: config.ProbeTimeout,
	}
}

// Discover runs the passive strategies and upserts everything found. Partial
// failure is fine: a strategy that errors is logged and skipped.
func (d *Discoverer) Discover(ctx context.Context) {
	var mappings []portregistry.Mapping

	mappings = append(mappings, parseTunnelPorts(d.tunnelPorts, portregistry.SourceTunnelObject)...)

	if d.mgmt != nil {
		ports, err := d.mgmt.ListTunnelPorts(ctx)
		if err != nil {
			log.Printf("Port discovery: management API list failed: %v", err)
		} else {
			mappings = append(mappings, parseTunnelPorts(ports, portregistry.SourceManagementAPI)...)
		}
	}

	for local, remote := range d.relay.Listeners() {
		mappings = append(mappings, portregistry.Mapping{
			LocalPort:  local,
			RemotePort: remote,
			Protocol:   portregistry.ProtocolTCP,
			Source:     portregistry.SourceListeners,
			IsActive:   true,
		})
	}

	d.registry.Upsert(mappings)
}

// Find locates the local mapping for a remote port within the deadline. It
// tries wait-for-forwarded first, then a registry refresh, then TCP probes
// of the fallback list.
func (d *Discoverer) Find(ctx context.Context, remotePort int, deadline time.Duration) (portregistry.Mapping, error) {
	waitCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	if local, err := d.relay.WaitForForwarded(waitCtx, remotePort); err == nil && local > 0 {
		m := portregistry.Mapping{
			LocalPort:  local,
			RemotePort: remotePort,
			Protocol:   portregistry.ProtocolTCP,
			Source:     portregistry.SourceWaitForForwarded,
			IsActive:   true,
		}
		d.registry.Upsert([]portregistry.Mapping{m})
		if found, ok := d.registry.FindRemote(remotePort); ok {
			return found, nil
		}
		return m, nil
	}

	d.Discover(ctx)
	if found, ok := d.registry.FindRemote(remotePort); ok {
		return found, nil
	}

	if local, ok := d.probe(ctx, remotePort); ok {
		m := portregistry.Mapping{
			LocalPort:  local,
			RemotePort: remotePort,
			Protocol:   portregistry.ProtocolTCP,
			Source:     portregistry.SourceTraceFallback,
			IsActive:   true,
		}
		d.registry.Upsert([]portregistry.Mapping{m})
		return m, nil
	}

	return portregistry.Mapping{}, fmt.Errorf("no local mapping found for remote port %d", remotePort)
}

// probe walks the fallback list for the port's category and returns the
// first local port that accepts a TCP connection. Individual connect
// failures are swallowed.
func (d *Discoverer) probe(ctx context.Context, remotePort int) (int, bool) {
	var candidates []int
	switch portregistry.Categorize(remotePort) {
	case portregistry.CategoryRPC, portregistry.CategoryManagement:
		candidates = d.fallback.RPC
	case portregistry.CategorySSH:
		candidates = d.fallback.SSH
	default:
		return 0, false
	}

	for _, port := range candidates {
		if ctx.Err() != nil {
			return 0, false
		}
		dialer := net.Dialer{Timeout: d.probeTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			continue
		}
		conn.Close()
		return port, true
	}
	return 0, false
}

// parseTunnelPorts converts a tunnel port array into mappings, extracting
// the local port from each forwarding URI. Entries without a parseable URI
// are skipped.
func parseTunnelPorts(ports []TunnelPort, source portregistry.Source) []portregistry.Mapping {
	var out []portregistry.Mapping
	for _, p := range ports {
		m := forwardingURIPort.FindStringSubmatch(p.ForwardingURI)
		if m == nil {
			continue
		}
		local, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		out = append(out, portregistry.Mapping{
			LocalPort:  local,
			RemotePort: p.RemotePort,
			Protocol:   protocolOf(p),
			Source:     source,
			IsActive:   true,
		})
	}
	return out
}

func protocolOf(p TunnelPort) portregistry.Protocol {
	switch p.Protocol {
	case "ssh":
		return portregistry.ProtocolSSH
	case "http":
		return portregistry.ProtocolHTTP
	case "https":
		return portregistry.ProtocolHTTPS
	case "tcp":
		return portregistry.ProtocolTCP
	}
	// Fall back to the URI scheme.
	switch {
	case len(p.ForwardingURI) >= 8 && p.ForwardingURI[:8] == "https://":
		return portregistry.ProtocolHTTPS
	case len(p.ForwardingURI) >= 7 && p.ForwardingURI[:7] == "http://":
		return portregistry.ProtocolHTTP
	case len(p.ForwardingURI) >= 6 && p.ForwardingURI[:6] == "ssh://":
		return portregistry.ProtocolSSH
	default:
		return portregistry.ProtocolUnknown
	}
}
