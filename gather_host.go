package ice

import (
	"context"
	"fmt"

	"github.com/pion/logging"
)

// HostHarvester implements spec.md §4.6: for each allowed local address it
// binds a socket and produces a self-based Host Candidate. Grounded on the
// teacher's pkg_ice_legacy/agent.go gatherHostCandidates, extended with
// port-range binding, the TCP/UDP transport choice, and per-Component
// failure accounting the legacy single-socket loop never needed.
type HostHarvester struct {
	cfg       *Config
	inventory *AddressInventory
	binding   *BindingTable
	log       logging.LeveledLogger

	transport            TransportType
	minPort              int
	preferredPort        int
	maxPort              int
}

// NewHostHarvester constructs a Host Harvester for the given transport
// (UDP or TCP) and port range. A zero minPort/maxPort means "any ephemeral
// port", skipping the range search entirely.
func NewHostHarvester(cfg *Config, inventory *AddressInventory, binding *BindingTable, transportType TransportType, minPort, preferredPort, maxPort int) *HostHarvester {
	return &HostHarvester{
		cfg:           cfg,
		inventory:     inventory,
		binding:       binding,
		log:           newComponentLogger(cfg.loggerFactory(), "ice-gather-host"),
		transport:     transportType,
		minPort:       minPort,
		preferredPort: preferredPort,
		maxPort:       maxPort,
	}
}

// Harvest binds a socket per allowed local address and installs a Host
// Candidate on component for each success. Fails the Component with
// ErrNoLocalCandidates if not one bind succeeds (spec.md §4.6).
func (h *HostHarvester) Harvest(_ context.Context, component *Component) ([]*Candidate, error) {
	addrs, err := h.inventory.Gather()
	if err != nil {
		return nil, fmt.Errorf("ice: host harvest: %w", err)
	}

	var produced []*Candidate
	for _, la := range addrs {
		var wrapper *SocketWrapper
		var bindErr error
		if h.transport == TransportUDP {
			if h.minPort == 0 && h.maxPort == 0 {
				wrapper, bindErr = h.binding.BindUDP(h.cfg, la.IP, 0)
			} else {
				wrapper, bindErr = h.binding.BindUDPInRange(h.cfg, la.IP, h.minPort, h.preferredPort, h.maxPort)
			}
		} else {
			if h.minPort == 0 && h.maxPort == 0 {
				wrapper, bindErr = h.binding.BindTCPListener(h.cfg, la.IP, 0, h.transport)
			} else {
				wrapper, bindErr = h.binding.BindTCPListenerInRange(h.cfg, la.IP, h.minPort, h.preferredPort, h.maxPort, h.transport)
			}
		}

		if bindErr != nil {
			h.log.Warnf("host harvest: bind failed on %s: %s", la.IP, bindErr)
			continue
		}

		// When BindWildcard shares one socket across every local address,
		// wrapper.Local() carries the unspecified bind address (0.0.0.0 /
		// ::), not a routable one; the candidate advertised to the peer
		// must be la.IP with the socket's actual port (spec.md §4.2/§4.6).
		candAddr := TransportAddress{IP: la.IP, Port: wrapper.Local().Port, Transport: h.transport}
		cand := NewHostCandidate(candAddr, la.Virtual)
		if component.AddLocalCandidate(cand) {
			produced = append(produced, cand)
			h.log.Infof("host candidate: %s", cand.Local)
		}
	}

	if len(produced) == 0 {
		return nil, ErrNoLocalCandidates
	}
	return produced, nil
}
