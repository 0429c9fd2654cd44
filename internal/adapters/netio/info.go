package netio

import (
	"fmt"
	"net"
	"net/netip"
)

// LocalInfo describes the capture interface.
type LocalInfo struct {
	Name  string
	MAC   net.HardwareAddr
	Up    bool
	Addrs []netip.Prefix
}

// NewLocalInfo looks up iface and checks it can carry the Ethernet frames
// the responder writes.
func NewLocalInfo(iface string) (*LocalInfo, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, err
	}
	if err := checkHardwareAddr(ifi); err != nil {
		return nil, err
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil, err
	}

	info := &LocalInfo{
		Name: ifi.Name,
		MAC:  append(net.HardwareAddr(nil), ifi.HardwareAddr...),
		Up:   ifi.Flags&net.FlagUp != 0,
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.To4() != nil {
			continue
		}
		ip, ok := netip.AddrFromSlice(ipNet.IP)
		if !ok {
			continue
		}
		ones, _ := ipNet.Mask.Size()
		info.Addrs = append(info.Addrs, netip.PrefixFrom(ip, ones))
	}
	return info, nil
}

func checkHardwareAddr(ifi *net.Interface) error {
	if len(ifi.HardwareAddr) != 6 {
		return fmt.Errorf("iface %s has no Ethernet MAC", ifi.Name)
	}
	return nil
}
