package domain

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

// Region is the part of the address space a destination falls in.
type Region uint8

const (
	RegionUnrelated Region = iota
	RegionVirtualNet
	RegionProbe
)

func (r Region) String() string {
	switch r {
	case RegionVirtualNet:
		return "virtual_net"
	case RegionProbe:
		return "probe"
	default:
		return "unrelated"
	}
}

// Classification is the result of matching a destination against the
// AddressSpace. Suffix is only set for RegionProbe.
type Classification struct {
	Region Region
	Suffix string
}

var ErrInvalidPrefix = errors.New("invalid address prefix")

// AddressSpace holds the two textual prefixes the responder answers for.
// It is built once and never mutated.
type AddressSpace struct {
	probe   string
	virtual string
}

// NewAddressSpace validates both prefixes. A prefix must be written the
// way netip renders addresses (lowercase, RFC 5952), since matching is a
// literal prefix test on that rendering, and the two must not overlap.
func NewAddressSpace(probePrefix, virtualPrefix string) (AddressSpace, error) {
	for _, p := range []string{probePrefix, virtualPrefix} {
		if err := checkPrefix(p); err != nil {
			return AddressSpace{}, err
		}
	}
	if strings.HasPrefix(probePrefix, virtualPrefix) || strings.HasPrefix(virtualPrefix, probePrefix) {
		return AddressSpace{}, fmt.Errorf("%w: %q and %q overlap", ErrInvalidPrefix, probePrefix, virtualPrefix)
	}
	return AddressSpace{probe: probePrefix, virtual: virtualPrefix}, nil
}

func checkPrefix(p string) error {
	if p == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPrefix)
	}
	parsed := false
	for _, a := range completions(p) {
		if !a.Is6() || a.Is4In6() {
			continue
		}
		parsed = true
		if strings.HasPrefix(a.String(), p) {
			return nil
		}
	}
	if !parsed {
		return fmt.Errorf("%w: %q is not an IPv6 prefix", ErrInvalidPrefix, p)
	}
	return fmt.Errorf("%w: %q is not in canonical form", ErrInvalidPrefix, p)
}

// completions returns the addresses formed by padding p with groups of 1,
// for every padding that parses.
func completions(p string) []netip.Addr {
	var out []netip.Addr
	for n := 0; n < 8; n++ {
		a, err := netip.ParseAddr(p + strings.Repeat("1:", n) + "1")
		if err == nil {
			out = append(out, a)
		}
	}
	return out
}

func (s AddressSpace) ProbePrefix() string   { return s.probe }
func (s AddressSpace) VirtualPrefix() string { return s.virtual }

// Classify decides which region dst belongs to. The virtual network wins
// over the probe region.
func (s AddressSpace) Classify(dst netip.Addr) Classification {
	if !dst.Is6() || dst.Is4In6() || dst.Zone() != "" {
		return Classification{Region: RegionUnrelated}
	}
	text := dst.String()
	if _, ok := SplitAddress(text, s.virtual); ok {
		return Classification{Region: RegionVirtualNet}
	}
	if rest, ok := SplitAddress(text, s.probe); ok {
		return Classification{Region: RegionProbe, Suffix: rest}
	}
	return Classification{Region: RegionUnrelated}
}

// SplitAddress cuts prefix off addr and returns the remainder verbatim.
// ok is false when addr does not start with prefix or either is empty.
func SplitAddress(addr, prefix string) (rest string, ok bool) {
	if prefix == "" || len(addr) < len(prefix) {
		return "", false
	}
	rest, ok = strings.CutPrefix(addr, prefix)
	if !ok {
		return "", false
	}
	return rest, true
}
