// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package link

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ipNet(s string) net.Addr {
	ip, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	n.IP = ip
	return n
}

func static(ifaces ...Iface) Lister {
	return func() ([]Iface, error) { return ifaces, nil }
}

func TestInterface_Address(t *testing.T) {
	lo := Iface{Name: "lo", Flags: net.FlagUp | net.FlagLoopback, Addrs: []net.Addr{ipNet("127.0.0.1/8")}}
	eth := Iface{Name: "eth0", Flags: net.FlagUp, Addrs: []net.Addr{ipNet("fe80::1/64"), ipNet("10.0.0.7/24")}}
	v6 := Iface{Name: "wlan0", Flags: net.FlagUp, Addrs: []net.Addr{ipNet("2001:db8::7/64")}}
	down := Iface{Name: "eth1", Addrs: []net.Addr{ipNet("10.0.1.7/24")}}
	bare := Iface{Name: "eth2", Flags: net.FlagUp}

	cases := []struct {
		desc   string
		name   string
		ifaces []Iface
		want   net.IP
	}{
		{desc: "ipv4 preferred", ifaces: []Iface{lo, eth}, want: net.ParseIP("10.0.0.7").To4()},
		{desc: "ipv6 only", ifaces: []Iface{lo, v6}, want: net.ParseIP("2001:db8::7")},
		{desc: "loopback ignored when unnamed", ifaces: []Iface{lo}},
		{desc: "named loopback", name: "lo", ifaces: []Iface{lo, eth}, want: net.ParseIP("127.0.0.1").To4()},
		{desc: "named interface down", name: "eth1", ifaces: []Iface{eth, down}},
		{desc: "no address", name: "eth2", ifaces: []Iface{bare}},
		{desc: "named interface", name: "wlan0", ifaces: []Iface{eth, v6}, want: net.ParseIP("2001:db8::7")},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			l := NewInterfaceWithLister(tc.name, time.Millisecond, static(tc.ifaces...), nil)
			assert.Equal(t, tc.want != nil, l.IsUp())
			if tc.want == nil {
				assert.Nil(t, l.LocalAddress())
				return
			}
			assert.Equal(t, []byte(tc.want), l.LocalAddress())
		})
	}
}

func TestInterface_ListingError(t *testing.T) {
	l := NewInterfaceWithLister("", time.Millisecond, func() ([]Iface, error) {
		return nil, errors.New("netlink unavailable")
	}, nil)
	assert.False(t, l.IsUp())
}

func TestInterface_ConnectWaitsForLink(t *testing.T) {
	var polls atomic.Int32
	up := Iface{Name: "eth0", Flags: net.FlagUp, Addrs: []net.Addr{ipNet("10.0.0.7/24")}}
	l := NewInterfaceWithLister("eth0", time.Millisecond, func() ([]Iface, error) {
		if polls.Add(1) < 5 {
			return []Iface{{Name: "eth0"}}, nil
		}
		return []Iface{up}, nil
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.Connect(ctx))
	assert.GreaterOrEqual(t, polls.Load(), int32(5))
	assert.True(t, l.IsUp())
}

func TestInterface_ConnectCanceled(t *testing.T) {
	l := NewInterfaceWithLister("eth0", time.Millisecond, static(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Connect(ctx)
	assert.ErrorIs(t, err, ErrLinkDown)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
