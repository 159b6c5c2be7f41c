// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultPollInterval is used when no poll interval is configured.
const DefaultPollInterval = time.Second

// ErrLinkDown is returned while no usable interface is available.
var ErrLinkDown = errors.New("network link down")

// Link gates the session on link-layer connectivity.
type Link interface {
	// Connect blocks until the link is up or ctx is done.
	Connect(ctx context.Context) error
	// IsUp reports whether the link is currently usable.
	IsUp() bool
	// LocalAddress returns the local IP address, or nil while down.
	LocalAddress() []byte
}

// Lister enumerates host interfaces.
type Lister func() ([]Iface, error)

// Iface is a snapshot of one host interface.
type Iface struct {
	Name  string
	Flags net.Flags
	Addrs []net.Addr
}

// Interface is a Link over a host network interface. The link is up while
// the interface is up and carries a unicast address.
type Interface struct {
	name   string
	poll   time.Duration
	list   Lister
	logger *slog.Logger
}

var _ Link = (*Interface)(nil)

// NewInterface watches the named interface. An empty name accepts any
// non-loopback interface.
func NewInterface(name string, poll time.Duration, logger *slog.Logger) *Interface {
	return NewInterfaceWithLister(name, poll, HostInterfaces, logger)
}

// NewInterfaceWithLister is NewInterface with a custom interface source.
func NewInterfaceWithLister(name string, poll time.Duration, list Lister, logger *slog.Logger) *Interface {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Interface{
		name:   name,
		poll:   poll,
		list:   list,
		logger: logger,
	}
}

// Connect polls until the link comes up.
func (i *Interface) Connect(ctx context.Context) error {
	notified := false
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if i.address() == nil {
			return struct{}{}, ErrLinkDown
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(i.poll)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(error, time.Duration) {
			if !notified {
				notified = true
				i.logger.Info("waiting for network link", slog.String("interface", i.name))
			}
		}))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLinkDown, err)
	}

	i.logger.Info("network link up",
		slog.String("interface", i.name),
		slog.String("address", net.IP(i.address()).String()))
	return nil
}

// IsUp reports whether the link is usable now.
func (i *Interface) IsUp() bool {
	return i.address() != nil
}

// LocalAddress returns the first unicast address, IPv4 preferred.
func (i *Interface) LocalAddress() []byte {
	return i.address()
}

func (i *Interface) address() []byte {
	ifaces, err := i.list()
	if err != nil {
		i.logger.Debug("interface listing failed", slog.String("error", err.Error()))
		return nil
	}

	var v6 net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		if i.name == "" && iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if i.name != "" && iface.Name != i.name {
			continue
		}
		for _, a := range iface.Addrs {
			ip := addrIP(a)
			if ip == nil || !ip.IsGlobalUnicast() && !ip.IsLinkLocalUnicast() && !(i.name != "" && ip.IsLoopback()) {
				continue
			}
			if v4 := ip.To4(); v4 != nil {
				return v4
			}
			if v6 == nil {
				v6 = ip
			}
		}
	}
	if v6 != nil {
		return v6
	}
	return nil
}

func addrIP(a net.Addr) net.IP {
	switch v := a.(type) {
	case *net.IPNet:
		return v.IP
	case *net.IPAddr:
		return v.IP
	}
	return nil
}

// HostInterfaces lists the interfaces of the host.
func HostInterfaces() ([]Iface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]Iface, 0, len(ifaces))
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		out = append(out, Iface{Name: iface.Name, Flags: iface.Flags, Addrs: addrs})
	}
	return out, nil
}
