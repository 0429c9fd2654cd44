package proto

import (
	"bytes"
	"errors"
	"net"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv6"

	"github.com/Doridian/tracething/internal/domain"
)

var (
	probeMAC  = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	routerMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}

	clientAddr = netip.MustParseAddr("2001:db8::10")
	targetAddr = netip.MustParseAddr("2a0f:9400:7312:1337:1::abcd")
)

// makeFrame serializes an Ethernet/IPv6/ICMPv6 frame with the given type.
func makeFrame(t *testing.T, typ uint8, hop uint8, id, seq uint16, payload []byte) []byte {
	t.Helper()

	eth := &layers.Ethernet{
		SrcMAC:       probeMAC,
		DstMAC:       routerMAC,
		EthernetType: layers.EthernetTypeIPv6,
	}
	ip6 := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolICMPv6,
		HopLimit:   hop,
		SrcIP:      net.IP(clientAddr.AsSlice()),
		DstIP:      net.IP(targetAddr.AsSlice()),
	}
	icmp6 := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(typ, 0)}
	if err := icmp6.SetNetworkLayerForChecksum(ip6); err != nil {
		t.Fatal(err)
	}
	echo := &layers.ICMPv6Echo{Identifier: id, SeqNumber: seq}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip6, icmp6, echo, gopacket.Payload(payload)); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func decodeTestProbe(t *testing.T, hop uint8, payload []byte) domain.EchoProbe {
	t.Helper()
	p, err := DecodeProbe(makeFrame(t, layers.ICMPv6TypeEchoRequest, hop, 0x1234, 7, payload))
	if err != nil {
		t.Fatalf("DecodeProbe: %v", err)
	}
	return p
}

func TestDecodeProbe(t *testing.T) {
	payload := []byte("traceroute payload")
	frame := makeFrame(t, layers.ICMPv6TypeEchoRequest, 9, 0x1234, 7, payload)

	got, err := DecodeProbe(frame)
	if err != nil {
		t.Fatalf("DecodeProbe: %v", err)
	}

	want := domain.EchoProbe{
		LinkSrc:  probeMAC,
		LinkDst:  routerMAC,
		Src:      clientAddr,
		Dst:      targetAddr,
		HopLimit: 9,
		ID:       0x1234,
		Seq:      7,
		Payload:  payload,
		Packet:   frame[14:],
	}
	if diff := cmp.Diff(want, got, cmp.Comparer(func(a, b netip.Addr) bool { return a == b })); diff != "" {
		t.Errorf("DecodeProbe mismatch (-want +got):\n%s", diff)
	}

	// The probe must not alias the capture buffer.
	frame[len(frame)-1] ^= 0xff
	if got.Payload[len(got.Payload)-1] != payload[len(payload)-1] {
		t.Error("Payload aliases the frame")
	}
}

func TestDecodeProbeRejects(t *testing.T) {
	t.Run("echo reply", func(t *testing.T) {
		_, err := DecodeProbe(makeFrame(t, layers.ICMPv6TypeEchoReply, 9, 1, 1, nil))
		if !errors.Is(err, ErrNotEchoRequest) {
			t.Errorf("error = %v, want ErrNotEchoRequest", err)
		}
	})
	t.Run("garbage", func(t *testing.T) {
		_, err := DecodeProbe([]byte{0x01, 0x02, 0x03})
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("error = %v, want ErrMalformed", err)
		}
	})
	t.Run("truncated echo", func(t *testing.T) {
		frame := makeFrame(t, layers.ICMPv6TypeEchoRequest, 9, 1, 1, nil)
		// Keep the ICMPv6 type/code/checksum, drop identifier and sequence.
		frame = frame[:14+40+4]
		frame[14+4], frame[14+5] = 0, 4
		if _, err := DecodeProbe(frame); err == nil {
			t.Error("DecodeProbe accepted a truncated echo request")
		}
	})
}

func TestBuildEchoReply(t *testing.T) {
	payload := []byte("0123456789abcdef")
	probe := decodeTestProbe(t, 40, payload)

	resp, err := BuildEchoReply(probe, probe.Dst, DefaultOptions())
	if err != nil {
		t.Fatalf("BuildEchoReply: %v", err)
	}
	if resp.Kind != KindEchoReply || resp.Src != targetAddr || resp.Dst != clientAddr {
		t.Fatalf("response = %v %s -> %s", resp.Kind, resp.Src, resp.Dst)
	}

	pkt := gopacket.NewPacket(resp.Packet, layers.LayerTypeIPv6, gopacket.Default)
	ip6 := pkt.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
	if ip6.HopLimit != DefaultHopLimit {
		t.Errorf("HopLimit = %d, want %d", ip6.HopLimit, DefaultHopLimit)
	}
	if !ip6.SrcIP.Equal(net.IP(targetAddr.AsSlice())) || !ip6.DstIP.Equal(net.IP(clientAddr.AsSlice())) {
		t.Errorf("addresses = %s -> %s", ip6.SrcIP, ip6.DstIP)
	}

	msg, err := icmp.ParseMessage(ipv6.ICMPType(0).Protocol(), resp.Packet[ipv6HeaderLen:])
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if msg.Type != ipv6.ICMPTypeEchoReply {
		t.Fatalf("Type = %v, want echo reply", msg.Type)
	}
	want := &icmp.Echo{ID: 0x1234, Seq: 7, Data: payload}
	if diff := cmp.Diff(want, msg.Body); diff != "" {
		t.Errorf("echo body mismatch (-want +got):\n%s", diff)
	}

	// x/net computes the checksum independently.
	ref := icmp.Message{Type: ipv6.ICMPTypeEchoReply, Body: want}
	refBytes, err := ref.Marshal(icmp.IPv6PseudoHeader(net.IP(targetAddr.AsSlice()), net.IP(clientAddr.AsSlice())))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(refBytes, resp.Packet[ipv6HeaderLen:]) {
		t.Errorf("ICMPv6 bytes = %x, want %x", resp.Packet[ipv6HeaderLen:], refBytes)
	}
}

func TestBuildHopExceeded(t *testing.T) {
	probe := decodeTestProbe(t, 5, []byte("probe"))
	router := netip.MustParseAddr("2a0f:9400:7312:1337:2:0:5:abcd")

	resp, err := BuildHopExceeded(probe, router, Options{HopLimit: 255})
	if err != nil {
		t.Fatalf("BuildHopExceeded: %v", err)
	}
	if resp.Kind != KindHopExceeded || resp.Src != router || resp.Dst != clientAddr {
		t.Fatalf("response = %v %s -> %s", resp.Kind, resp.Src, resp.Dst)
	}
	if resp.Packet[7] != 255 {
		t.Errorf("HopLimit = %d, want 255", resp.Packet[7])
	}

	msg, err := icmp.ParseMessage(ipv6.ICMPType(0).Protocol(), resp.Packet[ipv6HeaderLen:])
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if msg.Type != ipv6.ICMPTypeTimeExceeded || msg.Code != 0 {
		t.Fatalf("Type/Code = %v/%d, want time exceeded/0", msg.Type, msg.Code)
	}
	te, ok := msg.Body.(*icmp.TimeExceeded)
	if !ok {
		t.Fatalf("Body = %T", msg.Body)
	}
	if !bytes.Equal(te.Data, probe.Packet) {
		t.Errorf("quoted packet = %x, want %x", te.Data, probe.Packet)
	}

	// Unused word followed by the quoted packet, checksummed by x/net.
	quotedBody := append(make([]byte, errorUnusedLen), probe.Packet...)
	ref := icmp.Message{Type: ipv6.ICMPTypeTimeExceeded, Body: &icmp.DefaultMessageBody{Data: quotedBody}}
	refBytes, err := ref.Marshal(icmp.IPv6PseudoHeader(net.IP(router.AsSlice()), net.IP(clientAddr.AsSlice())))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(refBytes, resp.Packet[ipv6HeaderLen:]) {
		t.Errorf("ICMPv6 bytes = %x, want %x", resp.Packet[ipv6HeaderLen:], refBytes)
	}
}

func TestBuildHopExceededTruncatesToMinMTU(t *testing.T) {
	probe := decodeTestProbe(t, 3, bytes.Repeat([]byte{0xaa}, 1400))

	resp, err := BuildHopExceeded(probe, netip.MustParseAddr("2a0f:9400:7312:1337:2:0:3:abcd"), DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Packet) != MinMTU {
		t.Errorf("len = %d, want %d", len(resp.Packet), MinMTU)
	}
	quoted := resp.Packet[ipv6HeaderLen+icmpv6HeaderLen+errorUnusedLen:]
	if !bytes.Equal(quoted, probe.Packet[:len(quoted)]) {
		t.Error("quoted packet is not a prefix of the probe")
	}
}

func TestBuildDeterministic(t *testing.T) {
	probe := decodeTestProbe(t, 5, []byte("same"))
	d := domain.Decision{
		Action:     domain.ActionHopExceeded,
		Source:     netip.MustParseAddr("2a0f:9400:7312:1337:2:0:5:abcd"),
		VirtualHop: 5,
	}

	first, err := Build(probe, d, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	second, err := Build(decodeTestProbe(t, 5, []byte("same")), d, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first.Packet, second.Packet) {
		t.Error("identical probes produced different responses")
	}
}

func TestBuildRejectsDrop(t *testing.T) {
	probe := decodeTestProbe(t, 5, nil)
	if _, err := Build(probe, domain.Decision{Action: domain.ActionDrop}, DefaultOptions()); !errors.Is(err, ErrUnknownResponse) {
		t.Errorf("error = %v, want ErrUnknownResponse", err)
	}
}

func TestEncodeFrame(t *testing.T) {
	probe := decodeTestProbe(t, 40, []byte("ping"))
	resp, err := BuildEchoReply(probe, probe.Dst, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}

	frame, err := EncodeFrame(probe.LinkDst, probe.LinkSrc, resp.Packet)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	eth := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if eth.SrcMAC.String() != routerMAC.String() || eth.DstMAC.String() != probeMAC.String() {
		t.Errorf("MACs = %s -> %s", eth.SrcMAC, eth.DstMAC)
	}
	if eth.EthernetType != layers.EthernetTypeIPv6 {
		t.Errorf("EthernetType = %v", eth.EthernetType)
	}
	if !bytes.Equal(frame[14:14+len(resp.Packet)], resp.Packet) {
		t.Error("frame does not carry the response packet")
	}

	if _, err := EncodeFrame(nil, probe.LinkSrc, resp.Packet); !errors.Is(err, ErrMalformed) {
		t.Errorf("EncodeFrame(nil MAC) error = %v, want ErrMalformed", err)
	}
}
