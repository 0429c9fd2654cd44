package app

import (
	"context"
	"fmt"

	"github.com/Doridian/tracething/internal/domain"
	"github.com/Doridian/tracething/internal/ports"
	"github.com/Doridian/tracething/internal/proto"
)

// Transmitter sends a response back over the link the probe came in on,
// with the link addresses of the probe swapped.
type Transmitter struct {
	Capture ports.Capture
}

func (t Transmitter) Send(ctx context.Context, probe domain.EchoProbe, resp proto.Response) error {
	frame, err := proto.EncodeFrame(probe.LinkDst, probe.LinkSrc, resp.Packet)
	if err != nil {
		return err
	}
	if err := t.Capture.Transmit(ctx, frame); err != nil {
		return fmt.Errorf("transmit %s to %s: %w", resp.Kind, resp.Dst, err)
	}
	return nil
}
