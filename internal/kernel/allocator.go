// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

import (
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
)

// MaxInterfaceName is IFNAMSIZ minus the terminating NUL.
const MaxInterfaceName = 15

// Allocator hands out host-wide identifiers: namespace names, host interface
// names and tunnel keys. All concurrently building nodes and links share one
// instance so identifiers never collide.
type Allocator struct {
	mu      sync.Mutex
	seq     uint64
	used    map[string]struct{}
	keyBase uint32
	keySeq  uint32
	keys    map[uint32]struct{}
}

var defaultAllocator = NewAllocator()

// DefaultAllocator returns the process-wide allocator.
func DefaultAllocator() *Allocator {
	return defaultAllocator
}

// NewAllocator creates an empty allocator.
func NewAllocator() *Allocator {
	return &Allocator{
		used: make(map[string]struct{}),
		keys: make(map[uint32]struct{}),
	}
}

// SetKeySpace partitions the tunnel key space by owner so that two daemons
// allocating keys independently do not collide.
func (a *Allocator) SetKeySpace(owner string) {
	h := fnv.New32a()
	h.Write([]byte(owner))
	a.mu.Lock()
	a.keyBase = h.Sum32() & 0xffff0000
	a.mu.Unlock()
}

// Namespace returns a unique namespace name for a node of a session.
func (a *Allocator) Namespace(session uint32, node string) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	base := fmt.Sprintf("netemu-%d-%s", session, sanitize(node))
	name := base
	for {
		if _, taken := a.used[name]; !taken {
			break
		}
		a.seq++
		name = fmt.Sprintf("%s-%d", base, a.seq)
	}
	a.used[name] = struct{}{}
	return name
}

// InterfaceName returns a unique host interface name starting with prefix.
// The result always fits in MaxInterfaceName.
func (a *Allocator) InterfaceName(prefix string) string {
	if len(prefix) > 5 {
		prefix = prefix[:5]
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		a.seq++
		name := fmt.Sprintf("%s%x", prefix, a.seq)
		if len(name) > MaxInterfaceName {
			name = name[len(name)-MaxInterfaceName:]
		}
		if _, taken := a.used[name]; !taken {
			a.used[name] = struct{}{}
			return name
		}
	}
}

// TunnelKey returns an unused tunnel key.
func (a *Allocator) TunnelKey() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		a.keySeq++
		k := a.keyBase | (a.keySeq & 0xffff)
		if k == 0 {
			continue
		}
		if _, taken := a.keys[k]; !taken {
			a.keys[k] = struct{}{}
			return k
		}
	}
}

// Reserve marks a name allocated elsewhere (for example by a peer) as in use.
// It reports false when the name is already taken.
func (a *Allocator) Reserve(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, taken := a.used[name]; taken {
		return false
	}
	a.used[name] = struct{}{}
	return true
}

// Release returns a name to the pool.
func (a *Allocator) Release(name string) {
	a.mu.Lock()
	delete(a.used, name)
	a.mu.Unlock()
}

// ReleaseKey returns a tunnel key to the pool.
func (a *Allocator) ReleaseKey(k uint32) {
	a.mu.Lock()
	delete(a.keys, k)
	a.mu.Unlock()
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, s)
}
