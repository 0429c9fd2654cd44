package netio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/Doridian/tracething/internal/config"
	"github.com/Doridian/tracething/internal/ports"
)

// Filter matches IPv6 packets whose first next header is ICMPv6 echo
// request.
const Filter = "icmp6 && ip6[40] == 128"

// readTimeout bounds each blocking read so Next can observe ctx.
const readTimeout = 250 * time.Millisecond

type Capture struct {
	h *pcap.Handle
}

var _ ports.Capture = (*Capture)(nil)

func NewCapture(cfg *config.Config) (*Capture, error) {
	h, err := pcap.OpenLive(cfg.Interface, int32(cfg.Snaplen), cfg.Promiscuous, readTimeout)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Interface, err)
	}
	if lt := h.LinkType(); lt != layers.LinkTypeEthernet {
		h.Close()
		return nil, fmt.Errorf("%s: unsupported link type %s", cfg.Interface, lt)
	}
	if err := h.SetBPFFilter(Filter); err != nil {
		h.Close()
		return nil, fmt.Errorf("set filter: %w", err)
	}
	return &Capture{h: h}, nil
}

func (c *Capture) Next(ctx context.Context) (ports.Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return ports.Frame{}, err
		}
		data, ci, err := c.h.ReadPacketData()
		switch {
		case err == nil:
			return ports.Frame{Data: data, At: ci.Timestamp}, nil
		case errors.Is(err, pcap.NextErrorTimeoutExpired):
			continue
		case errors.Is(err, io.EOF):
			return ports.Frame{}, io.EOF
		default:
			return ports.Frame{}, fmt.Errorf("read packet: %w", err)
		}
	}
}

func (c *Capture) Transmit(_ context.Context, frame []byte) error {
	return c.h.WritePacketData(frame)
}

func (c *Capture) Close() {
	c.h.Close()
}
