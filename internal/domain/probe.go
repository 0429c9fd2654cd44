package domain

import (
	"net"
	"net/netip"
)

// EchoProbe is an inbound ICMPv6 echo request as seen on the wire.
type EchoProbe struct {
	LinkSrc net.HardwareAddr
	LinkDst net.HardwareAddr

	Src      netip.Addr
	Dst      netip.Addr
	HopLimit uint8

	ID      uint16
	Seq     uint16
	Payload []byte

	// Packet is the IPv6 header and everything after it, as received.
	Packet []byte
}
