package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Doridian/tracething/internal/domain"
	"github.com/Doridian/tracething/internal/logging"
	"github.com/Doridian/tracething/internal/metrics"
	"github.com/Doridian/tracething/internal/ports"
	"github.com/Doridian/tracething/internal/proto"
)

// Responder answers ICMPv6 echo requests on behalf of a chain of virtual
// routers. Frames are handled one at a time, in capture order.
type Responder struct {
	Space  domain.AddressSpace
	Policy domain.Policy
	Build  proto.Options

	Capture ports.Capture

	// QueueSize > 0 runs capture in its own goroutine feeding a bounded
	// FIFO. Frames arriving while it is full are dropped.
	QueueSize int

	// ErrorLimiter throttles hop-exceeded messages. Nil means unlimited.
	ErrorLimiter *rate.Limiter

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func (r *Responder) Run(ctx context.Context) error {
	log := r.log()
	log.Info("starting",
		"probe_prefix", r.Space.ProbePrefix(),
		"virtual_prefix", r.Space.VirtualPrefix(),
		"max_virtual_hops", r.Policy.MaxVirtualHops,
		"queue_size", r.QueueSize)

	var err error
	if r.QueueSize > 0 {
		err = r.runQueued(ctx)
	} else {
		err = r.runDirect(ctx)
	}

	switch {
	case err == nil, errors.Is(err, io.EOF):
		log.Info("capture exhausted")
		return nil
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		log.Info("stopped")
		return nil
	default:
		return err
	}
}

func (r *Responder) runDirect(ctx context.Context) error {
	for {
		f, err := r.Capture.Next(ctx)
		if err != nil {
			return err
		}
		if err := r.Handle(ctx, f); err != nil {
			return err
		}
	}
}

func (r *Responder) runQueued(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	queue := make(chan ports.Frame, r.QueueSize)

	g.Go(func() error {
		defer close(queue)
		for {
			f, err := r.Capture.Next(gctx)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			select {
			case queue <- f:
			default:
				r.drop(metrics.DropQueueFull, nil)
			}
		}
	})

	g.Go(func() error {
		// Only the consumer writes the depth gauge.
		for f := range queue {
			r.Metrics.SetQueueDepth(len(queue))
			if err := r.Handle(gctx, f); err != nil {
				return err
			}
		}
		return nil
	})

	return g.Wait()
}

// Handle runs one frame through classify, decide, build and transmit.
// Only a transmit failure is returned; everything else is a drop.
func (r *Responder) Handle(ctx context.Context, f ports.Frame) error {
	start := time.Now()
	defer func() { r.Metrics.ObserveHandle(time.Since(start)) }()

	probe, err := proto.DecodeProbe(f.Data)
	if err != nil {
		r.drop(metrics.DropMalformed, err)
		return nil
	}

	class := r.Space.Classify(probe.Dst)
	r.Metrics.RecordProbe(class.Region.String())

	d, err := r.Policy.Decide(r.Space, class, probe.Dst, probe.HopLimit)
	if err != nil {
		r.drop(metrics.DropInvalidRouter, err, logging.KeyDst, probe.Dst, logging.KeyRegion, class.Region)
		return nil
	}
	if d.Action == domain.ActionDrop {
		// Unrelated traffic is counted, never logged.
		r.Metrics.RecordDrop(metrics.DropUnrelated)
		return nil
	}
	if d.Action == domain.ActionHopExceeded && r.ErrorLimiter != nil && !r.ErrorLimiter.Allow() {
		r.drop(metrics.DropRateLimited, nil, logging.KeyDst, probe.Dst, logging.KeyRegion, class.Region)
		return nil
	}

	resp, err := proto.Build(probe, d, r.Build)
	if err != nil {
		r.drop(metrics.DropMalformed, err)
		return nil
	}

	tx := Transmitter{Capture: r.Capture}
	if err := tx.Send(ctx, probe, resp); err != nil {
		if errors.Is(err, proto.ErrMalformed) {
			r.drop(metrics.DropMalformed, err)
			return nil
		}
		r.Metrics.RecordTransmitError()
		return err
	}

	r.Metrics.RecordResponse(resp.Kind.String())
	r.log().Debug("response sent",
		logging.KeyAction, d.Action,
		logging.KeySrc, resp.Src,
		logging.KeyDst, resp.Dst,
		logging.KeyHopLimit, probe.HopLimit,
		logging.KeyID, probe.ID,
		logging.KeySeq, probe.Seq)
	return nil
}

func (r *Responder) drop(reason string, err error, attrs ...any) {
	r.Metrics.RecordDrop(reason)
	attrs = append(attrs, logging.KeyReason, reason)
	if err != nil {
		attrs = append(attrs, logging.KeyError, err)
	}
	r.log().Debug("dropped", attrs...)
}

func (r *Responder) log() *slog.Logger {
	if r.Logger == nil {
		return logging.NopLogger()
	}
	return r.Logger
}
