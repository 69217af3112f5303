// Package prefixindex is an IP-keyed tree mapping prefixes to payloads. It
// keeps a PC-trie for prefix queries and ordered iteration next to a map for
// constant time exact lookups.
//
// It is not safe for concurrent access.
package prefixindex

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/yl2chen/cidranger"
)

var (
	allIPv4 = netip.MustParsePrefix("0.0.0.0/0")
	allIPv6 = netip.MustParsePrefix("::/0")
)

// Index maps prefixes to values of type T.
type Index[T any] struct {
	tree    cidranger.Ranger
	entries map[netip.Prefix]*entry[T]
}

// entry implements cidranger.RangerEntry.
type entry[T any] struct {
	ipNet  net.IPNet
	prefix netip.Prefix
	value  T
}

func (e *entry[T]) Network() net.IPNet {
	return e.ipNet
}

// New creates an empty index.
func New[T any]() *Index[T] {
	return &Index[T]{
		tree:    cidranger.NewPCTrieRanger(),
		entries: make(map[netip.Prefix]*entry[T]),
	}
}

// HostPrefix returns the single-address prefix of addr.
func HostPrefix(addr netip.Addr) netip.Prefix {
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen())
}

func toIPNet(p netip.Prefix) net.IPNet {
	return net.IPNet{
		IP:   p.Addr().AsSlice(),
		Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
	}
}

func normalize(p netip.Prefix) (netip.Prefix, error) {
	if !p.IsValid() {
		return netip.Prefix{}, fmt.Errorf("invalid prefix %v", p)
	}
	addr := p.Addr()
	bits := p.Bits()
	if addr.Is4In6() {
		addr = addr.Unmap()
		bits -= 96
		if bits < 0 {
			return netip.Prefix{}, fmt.Errorf("prefix %v is wider than the IPv4 space", p)
		}
	}
	return netip.PrefixFrom(addr, bits).Masked(), nil
}

// Insert stores value under prefix p, replacing any previous value.
func (x *Index[T]) Insert(p netip.Prefix, value T) error {
	p, err := normalize(p)
	if err != nil {
		return err
	}
	if e, ok := x.entries[p]; ok {
		e.value = value
		return nil
	}

	e := &entry[T]{ipNet: toIPNet(p), prefix: p, value: value}
	if err := x.tree.Insert(e); err != nil {
		return fmt.Errorf("failed to insert %s: %w", p, err)
	}
	x.entries[p] = e
	return nil
}

// Get returns the value stored under exactly prefix p.
func (x *Index[T]) Get(p netip.Prefix) (T, bool) {
	var zero T
	p, err := normalize(p)
	if err != nil {
		return zero, false
	}
	if e, ok := x.entries[p]; ok {
		return e.value, true
	}
	return zero, false
}

// GetAddr returns the value stored under the host prefix of addr.
func (x *Index[T]) GetAddr(addr netip.Addr) (T, bool) {
	return x.Get(HostPrefix(addr))
}

// Longest returns the most specific prefix containing addr.
func (x *Index[T]) Longest(addr netip.Addr) (netip.Prefix, T, bool) {
	var zero T
	addr = addr.Unmap()
	if !addr.IsValid() {
		return netip.Prefix{}, zero, false
	}
	found, err := x.tree.ContainingNetworks(net.IP(addr.AsSlice()))
	if err != nil || len(found) == 0 {
		return netip.Prefix{}, zero, false
	}
	// cidranger orders matches from least to most specific
	e := found[len(found)-1].(*entry[T])
	return e.prefix, e.value, true
}

// Delete removes prefix p and reports whether it was present.
func (x *Index[T]) Delete(p netip.Prefix) bool {
	p, err := normalize(p)
	if err != nil {
		return false
	}
	e, ok := x.entries[p]
	if !ok {
		return false
	}
	if _, err := x.tree.Remove(e.ipNet); err != nil {
		return false
	}
	delete(x.entries, p)
	return true
}

// Len returns the number of stored prefixes.
func (x *Index[T]) Len() int {
	return len(x.entries)
}

// Covered calls fn for every stored prefix inside p, in tree order, until fn
// returns false. The set is captured before the first call so fn may insert
// or delete entries.
func (x *Index[T]) Covered(p netip.Prefix, fn func(netip.Prefix, T) bool) {
	p, err := normalize(p)
	if err != nil {
		return
	}
	found, err := x.tree.CoveredNetworks(toIPNet(p))
	if err != nil {
		return
	}
	for _, re := range found {
		e := re.(*entry[T])
		if !fn(e.prefix, e.value) {
			return
		}
	}
}

// Walk calls fn for every stored prefix, IPv4 before IPv6, until fn returns
// false. Like Covered, fn may mutate the index.
func (x *Index[T]) Walk(fn func(netip.Prefix, T) bool) {
	if len(x.entries) == 0 {
		return
	}
	more := true
	x.Covered(allIPv4, func(p netip.Prefix, v T) bool {
		more = fn(p, v)
		return more
	})
	if !more {
		return
	}
	x.Covered(allIPv6, fn)
}

// Prefixes returns every stored prefix in Walk order.
func (x *Index[T]) Prefixes() []netip.Prefix {
	out := make([]netip.Prefix, 0, len(x.entries))
	x.Walk(func(p netip.Prefix, _ T) bool {
		out = append(out, p)
		return true
	})
	return out
}

// Clear removes every entry.
func (x *Index[T]) Clear() {
	x.tree = cidranger.NewPCTrieRanger()
	x.entries = make(map[netip.Prefix]*entry[T])
}
