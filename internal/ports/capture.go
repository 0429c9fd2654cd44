package ports

import (
	"context"
	"time"
)

// Frame is one captured link-layer frame.
type Frame struct {
	Data []byte
	At   time.Time
}

// Capture delivers inbound ICMPv6 echo requests and sends frames on the
// same link. Next blocks until a frame arrives, ctx is done, or the source
// is exhausted (io.EOF).
type Capture interface {
	Next(ctx context.Context) (Frame, error)
	Transmit(ctx context.Context, frame []byte) error
}
