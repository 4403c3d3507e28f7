// Package lobby holds the server-side shared state driven by REQUEST
// commands: the directory of connected users and the store of game sessions.
// Both are safe for concurrent use by dispatch workers.
package lobby

import (
	"net/netip"
	"sort"
	"sync"
	"time"
)

// DirectoryEntry binds a username to the address it first spoke from.
type DirectoryEntry struct {
	Username string         `json:"username"`
	Address  netip.AddrPort `json:"address"`
	BoundAt  time.Time      `json:"bound_at"`
}

// Directory maps username -> network address. The first writer wins: an
// entry is never replaced by a later bind for the same username.
type Directory struct {
	entries sync.Map // string -> DirectoryEntry
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{}
}

// Bind inserts username -> addr if the username is not yet known. It returns
// the live entry and whether this call created it.
func (d *Directory) Bind(username string, addr netip.AddrPort) (DirectoryEntry, bool) {
	entry := DirectoryEntry{
		Username: username,
		Address:  addr,
		BoundAt:  time.Now(),
	}
	actual, loaded := d.entries.LoadOrStore(username, entry)
	return actual.(DirectoryEntry), !loaded
}

// Lookup returns the address bound to username.
func (d *Directory) Lookup(username string) (netip.AddrPort, bool) {
	v, ok := d.entries.Load(username)
	if !ok {
		return netip.AddrPort{}, false
	}
	return v.(DirectoryEntry).Address, true
}

// Entries returns a point-in-time copy of the directory sorted by username.
func (d *Directory) Entries() []DirectoryEntry {
	var out []DirectoryEntry
	d.entries.Range(func(_, v any) bool {
		out = append(out, v.(DirectoryEntry))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Addresses snapshots the distinct addresses in the directory, leaving out
// exclude. Entries added while a broadcast iterates the snapshot are missed
// by that broadcast.
func (d *Directory) Addresses(exclude netip.AddrPort) []netip.AddrPort {
	seen := make(map[netip.AddrPort]struct{})
	var out []netip.AddrPort
	d.entries.Range(func(_, v any) bool {
		addr := v.(DirectoryEntry).Address
		if addr == exclude {
			return true
		}
		if _, dup := seen[addr]; dup {
			return true
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
		return true
	})
	return out
}

// Len returns the number of bound usernames.
func (d *Directory) Len() int {
	n := 0
	d.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
