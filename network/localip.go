package network

import (
	"errors"
	"net"

	"golang.org/x/net/nettest"
)

// ErrNoLocalAddress indicates that no usable IPv4 interface address was found.
var ErrNoLocalAddress = errors.New("network: no local ipv4 address found")

// LocalIP returns the IPv4 address of the interface that routes outbound
// traffic, falling back to the first non-loopback interface that is up.
func LocalIP() (net.IP, error) {
	if iface, err := nettest.RoutedInterface("ip4", net.FlagUp|net.FlagBroadcast); err == nil {
		if ip := interfaceIPv4(iface); ip != nil {
			return ip, nil
		}
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		iface := &ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if ip := interfaceIPv4(iface); ip != nil {
			return ip, nil
		}
	}
	return nil, ErrNoLocalAddress
}

func interfaceIPv4(iface *net.Interface) net.IP {
	addrs, err := iface.Addrs()
	if err != nil {
		return nil
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip := ipNet.IP.To4(); ip != nil {
			return ip
		}
	}
	return nil
}
