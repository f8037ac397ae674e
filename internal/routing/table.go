package routing

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math/bits"
	"net/netip"
	"strings"
	"sync"

	"github.com/gaissmai/bart"
)

// Entry is one static route. A zero Gateway (0.0.0.0) marks a directly
// connected network.
type Entry struct {
	Dest    netip.Addr
	Mask    netip.Addr
	Gateway netip.Addr
	IfName  string
}

func (e Entry) String() string {
	return fmt.Sprintf("%s/%d via %s dev %s", e.Dest, e.PrefixLen(), e.Gateway, e.IfName)
}

// PrefixLen counts the leading one bits of the mask.
func (e Entry) PrefixLen() int {
	return bits.OnesCount32(u32(e.Mask))
}

// NextHop is the address whose link address must be resolved to reach dst.
func (e Entry) NextHop(dst netip.Addr) netip.Addr {
	if !e.Gateway.IsValid() || e.Gateway.IsUnspecified() {
		return dst
	}
	return e.Gateway
}

// Prefix is the network the entry covers.
func (e Entry) Prefix() netip.Prefix {
	return netip.PrefixFrom(e.Dest, e.PrefixLen()).Masked()
}

// Table keeps the routes in insertion order for listing and in a bart trie
// for lookups.
type Table struct {
	mu      sync.RWMutex
	entries []Entry
	trie    *bart.Table[Entry]
}

func NewTable(entries ...Entry) *Table {
	t := &Table{}
	t.Replace(entries)
	return t
}

// Lookup returns the entry with the longest mask matching dst. Among equal
// prefixes the first inserted entry wins.
func (t *Table) Lookup(dst netip.Addr) (Entry, bool) {
	if !dst.Is4() {
		return Entry{}, false
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.trie.Lookup(dst)
}

// Replace swaps the whole table.
func (t *Table) Replace(entries []Entry) {
	cp := append([]Entry(nil), entries...)

	trie := new(bart.Table[Entry])
	for _, e := range cp {
		pfx := e.Prefix()
		if _, dup := trie.Get(pfx); dup {
			continue
		}
		trie.Insert(pfx, e)
	}

	t.mu.Lock()
	t.entries = cp
	t.trie = trie
	t.mu.Unlock()
}

func (t *Table) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Entry(nil), t.entries...)
}

// Gateways lists the distinct non-zero gateways in table order.
func (t *Table) Gateways() []netip.Addr {
	seen := make(map[netip.Addr]bool)
	var out []netip.Addr
	for _, e := range t.Entries() {
		if !e.Gateway.IsValid() || e.Gateway.IsUnspecified() || seen[e.Gateway] {
			continue
		}
		seen[e.Gateway] = true
		out = append(out, e.Gateway)
	}
	return out
}

// Load reads the text format "<dest> <gateway> <mask> <iface>", one route per
// line, and replaces the table contents.
func (t *Table) Load(r io.Reader) error {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 4 {
			return fmt.Errorf("routing table line %d: expected 4 fields, got %d", lineNo, len(fields))
		}

		var addrs [3]netip.Addr
		for i, s := range fields[:3] {
			a, err := netip.ParseAddr(s)
			if err != nil || !a.Is4() {
				return fmt.Errorf("routing table line %d: invalid IPv4 address %q", lineNo, s)
			}
			addrs[i] = a
		}
		if !contiguous(u32(addrs[2])) {
			return fmt.Errorf("routing table line %d: mask %s is not contiguous", lineNo, addrs[2])
		}

		entries = append(entries, Entry{Dest: addrs[0], Gateway: addrs[1], Mask: addrs[2], IfName: fields[3]})
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading routing table: %w", err)
	}

	t.Replace(entries)
	return nil
}

// MaskFromLen builds a dotted mask from a prefix length.
func MaskFromLen(n int) netip.Addr {
	var m uint32
	if n > 0 {
		m = ^uint32(0) << (32 - n)
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], m)
	return netip.AddrFrom4(b)
}

func contiguous(m uint32) bool {
	return bits.OnesCount32(m) == bits.LeadingZeros32(^m)
}

func u32(a netip.Addr) uint32 {
	if !a.Is4() {
		return 0
	}
	b := a.As4()
	return binary.BigEndian.Uint32(b[:])
}
