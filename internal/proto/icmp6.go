package proto

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/Doridian/tracething/internal/domain"
)

const (
	// MinMTU is the IPv6 minimum link MTU. ICMPv6 error messages must fit
	// in it (RFC 4443 2.4(c)).
	MinMTU = 1280

	ipv6HeaderLen   = 40
	icmpv6HeaderLen = 4
	echoHeaderLen   = 4
	errorUnusedLen  = 4

	DefaultHopLimit = 64
)

var (
	ErrMalformed       = errors.New("malformed frame")
	ErrNotEchoRequest  = errors.New("not an ICMPv6 echo request")
	ErrUnknownResponse = errors.New("unknown response kind")
)

// Kind is the ICMPv6 message a Response carries.
type Kind uint8

const (
	KindEchoReply Kind = iota + 1
	KindHopExceeded
)

func (k Kind) String() string {
	switch k {
	case KindEchoReply:
		return "echo_reply"
	case KindHopExceeded:
		return "hop_exceeded"
	default:
		return "unknown"
	}
}

// Response is a serialized IPv6 packet ready for link-layer framing.
type Response struct {
	Kind   Kind
	Src    netip.Addr
	Dst    netip.Addr
	Packet []byte
}

// Options tune how responses are built.
type Options struct {
	HopLimit uint8
}

func DefaultOptions() Options {
	return Options{HopLimit: DefaultHopLimit}
}

// DecodeProbe parses an Ethernet frame carrying an ICMPv6 echo request.
// The returned probe does not alias frame.
func DecodeProbe(frame []byte) (domain.EchoProbe, error) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true})

	eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok {
		return domain.EchoProbe{}, fmt.Errorf("%w: no ethernet header", ErrMalformed)
	}
	ip6, ok := pkt.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
	if !ok {
		return domain.EchoProbe{}, fmt.Errorf("%w: no IPv6 header", ErrMalformed)
	}
	icmp, ok := pkt.Layer(layers.LayerTypeICMPv6).(*layers.ICMPv6)
	if !ok {
		return domain.EchoProbe{}, fmt.Errorf("%w: no ICMPv6 header", ErrNotEchoRequest)
	}
	if icmp.TypeCode != layers.CreateICMPv6TypeCode(layers.ICMPv6TypeEchoRequest, 0) {
		return domain.EchoProbe{}, fmt.Errorf("%w: type %s", ErrNotEchoRequest, icmp.TypeCode)
	}

	var echo layers.ICMPv6Echo
	if err := echo.DecodeFromBytes(icmp.Payload, gopacket.NilDecodeFeedback); err != nil {
		return domain.EchoProbe{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	src, ok := netip.AddrFromSlice(ip6.SrcIP)
	if !ok {
		return domain.EchoProbe{}, fmt.Errorf("%w: bad source %v", ErrMalformed, ip6.SrcIP)
	}
	dst, ok := netip.AddrFromSlice(ip6.DstIP)
	if !ok {
		return domain.EchoProbe{}, fmt.Errorf("%w: bad destination %v", ErrMalformed, ip6.DstIP)
	}

	raw := make([]byte, 0, len(ip6.Contents)+len(ip6.Payload))
	raw = append(raw, ip6.Contents...)
	raw = append(raw, ip6.Payload...)

	return domain.EchoProbe{
		LinkSrc:  cloneMAC(eth.SrcMAC),
		LinkDst:  cloneMAC(eth.DstMAC),
		Src:      src,
		Dst:      dst,
		HopLimit: ip6.HopLimit,
		ID:       echo.Identifier,
		Seq:      echo.SeqNumber,
		Payload:  append([]byte(nil), icmp.Payload[echoHeaderLen:]...),
		Packet:   raw,
	}, nil
}

// Build turns a policy decision into a Response. ActionDrop is rejected.
func Build(probe domain.EchoProbe, d domain.Decision, opts Options) (Response, error) {
	switch d.Action {
	case domain.ActionEchoReply:
		return BuildEchoReply(probe, d.Source, opts)
	case domain.ActionHopExceeded:
		return BuildHopExceeded(probe, d.Source, opts)
	default:
		return Response{}, fmt.Errorf("%w: %s", ErrUnknownResponse, d.Action)
	}
}

// BuildEchoReply answers probe from src, echoing its identifier, sequence
// number and payload.
func BuildEchoReply(probe domain.EchoProbe, src netip.Addr, opts Options) (Response, error) {
	ip6 := ipv6Header(src, probe.Src, opts)
	icmp := &layers.ICMPv6{
		TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeEchoReply, 0),
	}
	if err := icmp.SetNetworkLayerForChecksum(ip6); err != nil {
		return Response{}, err
	}
	echo := &layers.ICMPv6Echo{
		Identifier: probe.ID,
		SeqNumber:  probe.Seq,
	}

	b, err := serialize(ip6, icmp, echo, gopacket.Payload(probe.Payload))
	if err != nil {
		return Response{}, fmt.Errorf("serialize echo reply: %w", err)
	}
	return Response{Kind: KindEchoReply, Src: src, Dst: probe.Src, Packet: b}, nil
}

// BuildHopExceeded reports probe as having run out of hops at src. The
// invoking packet is quoted after the unused word, cut short so the error
// stays within MinMTU: probes longer than 1232 bytes get a partial quote.
func BuildHopExceeded(probe domain.EchoProbe, src netip.Addr, opts Options) (Response, error) {
	ip6 := ipv6Header(src, probe.Src, opts)
	icmp := &layers.ICMPv6{
		TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeTimeExceeded, layers.ICMPv6CodeHopLimitExceeded),
	}
	if err := icmp.SetNetworkLayerForChecksum(ip6); err != nil {
		return Response{}, err
	}

	quoted := probe.Packet
	if limit := MinMTU - ipv6HeaderLen - icmpv6HeaderLen - errorUnusedLen; len(quoted) > limit {
		quoted = quoted[:limit]
	}
	body := make([]byte, errorUnusedLen+len(quoted))
	copy(body[errorUnusedLen:], quoted)

	b, err := serialize(ip6, icmp, gopacket.Payload(body))
	if err != nil {
		return Response{}, fmt.Errorf("serialize hop exceeded: %w", err)
	}
	return Response{Kind: KindHopExceeded, Src: src, Dst: probe.Src, Packet: b}, nil
}

// EncodeFrame wraps an IPv6 packet in an Ethernet header.
func EncodeFrame(src, dst net.HardwareAddr, packet []byte) ([]byte, error) {
	if len(src) != 6 || len(dst) != 6 {
		return nil, fmt.Errorf("%w: bad link address %s -> %s", ErrMalformed, src, dst)
	}
	eth := &layers.Ethernet{
		SrcMAC:       src,
		DstMAC:       dst,
		EthernetType: layers.EthernetTypeIPv6,
	}
	return serialize(eth, gopacket.Payload(packet))
}

func ipv6Header(src, dst netip.Addr, opts Options) *layers.IPv6 {
	return &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolICMPv6,
		HopLimit:   opts.HopLimit,
		SrcIP:      net.IP(src.AsSlice()),
		DstIP:      net.IP(dst.AsSlice()),
	}
}

func serialize(ls ...gopacket.SerializableLayer) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		return nil, err
	}
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out, nil
}

func cloneMAC(mac net.HardwareAddr) net.HardwareAddr {
	out := make(net.HardwareAddr, len(mac))
	copy(out, mac)
	return out
}
