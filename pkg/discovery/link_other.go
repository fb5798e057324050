//go:build !linux

package discovery

import "net"

func ipv4Addrs(name string) ([]net.IP, error) {
	ifc, err := net.InterfaceByName(name)
	if err != nil {
		return nil, err
	}
	addrs, err := ifc.Addrs()
	if err != nil {
		return nil, err
	}
	var out []net.IP
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok && ipn.IP.To4() != nil {
			out = append(out, ipn.IP)
		}
	}
	return out, nil
}

func describe(name string) (LinkInfo, error) {
	ifc, err := net.InterfaceByName(name)
	if err != nil {
		return LinkInfo{}, err
	}
	addrs, err := ipv4Addrs(name)
	if err != nil {
		return LinkInfo{}, err
	}
	return LinkInfo{Name: ifc.Name, Up: ifc.Flags&net.FlagUp != 0, Addrs: addrs}, nil
}
