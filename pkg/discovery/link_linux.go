//go:build linux

package discovery

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

func ipv4Addrs(name string) ([]net.IP, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("link %s: %w", name, err)
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("addresses of %s: %w", name, err)
	}
	out := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		if a.IPNet != nil {
			out = append(out, a.IP)
		}
	}
	return out, nil
}

func describe(name string) (LinkInfo, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return LinkInfo{}, err
	}
	addrs, err := ipv4Addrs(name)
	if err != nil {
		return LinkInfo{}, err
	}
	attrs := link.Attrs()
	return LinkInfo{
		Name:  attrs.Name,
		Up:    attrs.Flags&net.FlagUp != 0,
		Addrs: addrs,
	}, nil
}
