// Package natutil attempts to open the wallet-facing listen port on the
// local network's gateway; it does not verify reachability (spec.md
// §6.3's "optionally attempts port-forwarding/reachability for its own
// listen port"). It mirrors the teacher's peer NAT-traversal story —
// UPnP first, NAT-PMP as fallback — applied to the dispatcher's listen
// port rather than a P2P port, grounded on the pack's nat_traversal.go
// (github.com/jackpal/gateway + github.com/jackpal/go-nat-pmp) with
// github.com/NebulousLabs/go-upnp substituted for the UPnP leg per
// SPEC_FULL.md §6.3.
package natutil

import (
	"context"
	"fmt"
	"net"
	"time"

	natpmp "github.com/jackpal/go-nat-pmp"
	"github.com/jackpal/gateway"

	upnp "github.com/NebulousLabs/go-upnp"

	"github.com/armorynet/armoryd/armorylog"
)

var log = armorylog.NewSubsystem("NATU")

// mappingDuration is how long a NAT-PMP lease lasts before it must be
// renewed; UPnP mappings made through go-upnp are permanent until
// explicitly cleared, so only the NAT-PMP leg needs a renew loop.
const mappingDuration = time.Hour

// Mapper forwards and later clears a single external port, whichever
// transport (UPnP or NAT-PMP) succeeded first.
type Mapper struct {
	igd *upnp.IGD
	pmp *natpmp.Client

	port     uint16
	external net.IP
}

// Discover probes for an IGD reachable from the local network, trying
// UPnP before falling back to NAT-PMP, the same order the pack's
// nat_traversal.go tries them in. It returns an error if neither
// transport finds a gateway.
func Discover(ctx context.Context) (*Mapper, error) {
	if igd, err := upnp.DiscoverCtx(ctx); err == nil {
		ip, err := igd.ExternalIP()
		if err != nil {
			log.Warnf("upnp gateway found but external IP lookup failed: %v", err)
		}
		return &Mapper{igd: igd, external: net.ParseIP(ip)}, nil
	}

	gw, err := gateway.DiscoverGateway()
	if err != nil {
		return nil, fmt.Errorf("natutil: no UPnP or NAT-PMP gateway found: %w", err)
	}
	pmp := natpmp.NewClient(gw)
	res, err := pmp.GetExternalAddress()
	if err != nil {
		return nil, fmt.Errorf("natutil: nat-pmp gateway found but unreachable: %w", err)
	}
	ip := net.IPv4(res.ExternalIPAddress[0], res.ExternalIPAddress[1],
		res.ExternalIPAddress[2], res.ExternalIPAddress[3])
	return &Mapper{pmp: pmp, external: ip}, nil
}

// ExternalIP reports the address peers would see this node's listen
// port as, once Forward succeeds.
func (m *Mapper) ExternalIP() net.IP { return m.external }

// Forward opens port on whichever gateway Discover found and returns only
// an error; ExternalIP reports the external address. NAT-PMP mappings are renewed by the caller every
// mappingDuration via Renew; UPnP mappings persist until Clear.
func (m *Mapper) Forward(port uint16, desc string) error {
	m.port = port
	if m.igd != nil {
		return m.igd.Forward(port, desc)
	}
	_, err := m.pmp.AddPortMapping("tcp", int(port), int(port), int(mappingDuration.Seconds()))
	return err
}

// Renew re-requests a NAT-PMP lease before it expires; a no-op for
// UPnP mappings.
func (m *Mapper) Renew() error {
	if m.igd != nil || m.port == 0 {
		return nil
	}
	_, err := m.pmp.AddPortMapping("tcp", int(m.port), int(m.port), int(mappingDuration.Seconds()))
	return err
}

// Clear removes the mapping made by Forward.
func (m *Mapper) Clear() error {
	if m.port == 0 {
		return nil
	}
	if m.igd != nil {
		return m.igd.Clear(m.port)
	}
	_, err := m.pmp.AddPortMapping("tcp", int(m.port), int(m.port), 0)
	m.port = 0
	return err
}
