package ipguard

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"sync"
)

// ErrInvalidAddress is returned for entries that are neither an address nor a CIDR prefix.
var ErrInvalidAddress = errors.New("ipguard: invalid address")

// Blocklist is the set of explicitly blocked addresses and ranges.
type Blocklist struct {
	mu       sync.RWMutex
	addrs    map[netip.Addr]struct{}
	prefixes map[netip.Prefix]struct{}
}

// NewBlocklist returns a blocklist seeded with entries.
func NewBlocklist(entries ...string) (*Blocklist, error) {
	b := &Blocklist{addrs: make(map[netip.Addr]struct{}), prefixes: make(map[netip.Prefix]struct{})}
	if err := b.Replace(entries); err != nil {
		return nil, err
	}
	return b, nil
}

// ParseEntry normalises a single address to a full-length prefix.
func ParseEntry(raw string) (netip.Prefix, error) {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "/") {
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
		}
		if p.Addr().Is4In6() && p.Bits() >= 96 {
			p = netip.PrefixFrom(p.Addr().Unmap(), p.Bits()-96)
		}
		return p.Masked(), nil
	}
	addr, err := ParseAddr(raw)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// ParseAddr parses an address and unmaps IPv4-in-IPv6 forms.
func ParseAddr(raw string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	return addr.Unmap().WithZone(""), nil
}

// Add blocks an address or range.
func (b *Blocklist) Add(entry string) error {
	p, err := ParseEntry(entry)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.insert(p)
	return nil
}

// Remove unblocks an entry. It reports whether the entry was present.
func (b *Blocklist) Remove(entry string) (bool, error) {
	p, err := ParseEntry(entry)
	if err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if p.IsSingleIP() {
		if _, ok := b.addrs[p.Addr()]; ok {
			delete(b.addrs, p.Addr())
			return true, nil
		}
		return false, nil
	}
	if _, ok := b.prefixes[p]; ok {
		delete(b.prefixes, p)
		return true, nil
	}
	return false, nil
}

// Replace swaps the whole list. Nothing changes if any entry is invalid.
func (b *Blocklist) Replace(entries []string) error {
	parsed := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		p, err := ParseEntry(e)
		if err != nil {
			return err
		}
		parsed = append(parsed, p)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addrs = make(map[netip.Addr]struct{}, len(parsed))
	b.prefixes = make(map[netip.Prefix]struct{})
	for _, p := range parsed {
		b.insert(p)
	}
	return nil
}

// Contains reports whether addr is blocked.
func (b *Blocklist) Contains(addr netip.Addr) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if _, ok := b.addrs[addr]; ok {
		return true
	}
	for p := range b.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Entries lists the blocklist in a stable order.
func (b *Blocklist) Entries() []string {
	b.mu.RLock()
	out := make([]string, 0, len(b.addrs)+len(b.prefixes))
	for a := range b.addrs {
		out = append(out, a.String())
	}
	for p := range b.prefixes {
		out = append(out, p.String())
	}
	b.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (b *Blocklist) insert(p netip.Prefix) {
	if p.IsSingleIP() {
		b.addrs[p.Addr()] = struct{}{}
		return
	}
	b.prefixes[p] = struct{}{}
}

// InRanges reports whether ip falls inside any of cidrs. Entries may be bare
// addresses. Unparseable entries never match.
func InRanges(ip string, cidrs []string) bool {
	addr, err := ParseAddr(ip)
	if err != nil {
		return false
	}
	for _, c := range cidrs {
		p, err := ParseEntry(c)
		if err != nil {
			continue
		}
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
