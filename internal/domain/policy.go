package domain

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
)

// DefaultMaxVirtualHops is the deepest virtual router the responder will
// impersonate. Probes arriving with a larger hop limit get an echo reply.
const DefaultMaxVirtualHops = 30

var ErrInvalidVirtualRouter = errors.New("invalid virtual router address")

type Action uint8

const (
	ActionDrop Action = iota
	ActionEchoReply
	ActionHopExceeded
)

func (a Action) String() string {
	switch a {
	case ActionEchoReply:
		return "echo_reply"
	case ActionHopExceeded:
		return "hop_exceeded"
	default:
		return "drop"
	}
}

// Decision is what to send back for one probe. Source is the IPv6 source
// of the response; VirtualHop is only meaningful for ActionHopExceeded.
type Decision struct {
	Action     Action
	Source     netip.Addr
	VirtualHop uint8
}

type Policy struct {
	MaxVirtualHops uint8
}

func DefaultPolicy() Policy {
	return Policy{MaxVirtualHops: DefaultMaxVirtualHops}
}

// Decide maps a classified destination and the hop limit the probe arrived
// with to a Decision. The hop limit is used as the virtual hop index as is.
func (p Policy) Decide(space AddressSpace, c Classification, dst netip.Addr, hopLimit uint8) (Decision, error) {
	switch c.Region {
	case RegionVirtualNet:
		return Decision{Action: ActionEchoReply, Source: dst}, nil
	case RegionProbe:
		if hopLimit > p.MaxVirtualHops {
			return Decision{Action: ActionEchoReply, Source: dst}, nil
		}
		src, err := VirtualRouterAddress(space, hopLimit, c.Suffix)
		if err != nil {
			return Decision{Action: ActionDrop}, err
		}
		return Decision{Action: ActionHopExceeded, Source: src, VirtualHop: hopLimit}, nil
	default:
		return Decision{Action: ActionDrop}, nil
	}
}

// VirtualRouterAddress renders the source of a hop-exceeded message as
// virtual prefix + lowercase hex hop + ":" + suffix.
func VirtualRouterAddress(space AddressSpace, hop uint8, suffix string) (netip.Addr, error) {
	text := space.virtual + strconv.FormatUint(uint64(hop), 16) + ":" + suffix
	a, err := netip.ParseAddr(text)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %q: %v", ErrInvalidVirtualRouter, text, err)
	}
	if !a.Is6() || a.Zone() != "" {
		return netip.Addr{}, fmt.Errorf("%w: %q", ErrInvalidVirtualRouter, text)
	}
	return a, nil
}
