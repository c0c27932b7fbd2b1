// Package neighbor resolves client IP addresses to MAC addresses through the
// kernel neighbour (ARP/NDP) table.
package neighbor

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"github.com/vishvananda/netlink"

	"opennds-go/pkg/config"
)

// ErrUnknown is returned when the neighbour table has no usable entry for an address.
var ErrUnknown = errors.New("no neighbour entry")

// ListFunc matches netlink.NeighList.
type ListFunc func(linkIndex, family int) ([]netlink.Neigh, error)

// Resolver looks up MAC addresses on the gateway interface.
type Resolver struct {
	mu     sync.RWMutex
	iface  string
	list   ListFunc
	index  func(name string) (int, error)
	logger zerolog.Logger
}

// NewResolver creates a resolver for cfg.GatewayInterface backed by netlink.
func NewResolver(cfg *config.Config, logger zerolog.Logger) *Resolver {
	return newResolver(cfg.GatewayInterface, netlink.NeighList, linkIndex, logger)
}

func newResolver(iface string, list ListFunc, index func(string) (int, error), logger zerolog.Logger) *Resolver {
	return &Resolver{
		iface:  iface,
		list:   list,
		index:  index,
		logger: logger.With().Str("component", "neighbor").Logger(),
	}
}

func linkIndex(name string) (int, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return 0, err
	}
	return link.Attrs().Index, nil
}

// Lookup returns the MAC address the kernel has for ip on the gateway interface.
// Incomplete and failed entries are ignored.
func (r *Resolver) Lookup(ip string) (string, error) {
	addr := net.ParseIP(ip)
	if addr == nil {
		return "", fmt.Errorf("invalid ip %q", ip)
	}
	family := netlink.FAMILY_V4
	if addr.To4() == nil {
		family = netlink.FAMILY_V6
	}

	r.mu.RLock()
	iface := r.iface
	r.mu.RUnlock()

	idx, err := r.index(iface)
	if err != nil {
		return "", fmt.Errorf("failed to find interface %s: %w", iface, err)
	}
	neighs, err := r.list(idx, family)
	if err != nil {
		return "", fmt.Errorf("failed to list neighbours on %s: %w", iface, err)
	}

	for _, n := range neighs {
		if n.State&(netlink.NUD_INCOMPLETE|netlink.NUD_FAILED) != 0 {
			continue
		}
		if !n.IP.Equal(addr) || len(n.HardwareAddr) != 6 {
			continue
		}
		mac := n.HardwareAddr.String()
		if mac == "00:00:00:00:00:00" {
			continue
		}
		r.logger.Debug().Str("ip", ip).Str("mac", mac).Msg("Resolved client MAC")
		return mac, nil
	}
	return "", fmt.Errorf("%w for %s on %s", ErrUnknown, ip, iface)
}

// Reconfigure follows a change of the gateway interface.
func (r *Resolver) Reconfigure(newConfig *config.Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.iface = newConfig.GatewayInterface
	return nil
}
