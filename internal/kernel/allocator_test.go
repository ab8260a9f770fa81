// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocator_InterfaceNamesUnique(t *testing.T) {
	a := NewAllocator()

	var (
		mu   sync.Mutex
		seen = make(map[string]bool)
		wg   sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				name := a.InterfaceName("nv")
				mu.Lock()
				assert.False(t, seen[name], "duplicate %s", name)
				seen[name] = true
				mu.Unlock()
				assert.LessOrEqual(t, len(name), MaxInterfaceName)
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 1600)
}

func TestAllocator_LongPrefixTruncated(t *testing.T) {
	a := NewAllocator()
	name := a.InterfaceName("averyverylongprefix")
	assert.LessOrEqual(t, len(name), MaxInterfaceName)
	assert.Equal(t, "avery1", name)
}

func TestAllocator_Namespace(t *testing.T) {
	a := NewAllocator()
	first := a.Namespace(1, "n1")
	assert.Equal(t, "netemu-1-n1", first)

	second := a.Namespace(1, "n1")
	assert.NotEqual(t, first, second)

	a.Release(first)
	assert.Equal(t, first, a.Namespace(1, "n1"))

	assert.Equal(t, "netemu-2-bad_name", a.Namespace(2, "bad/name"))
}

func TestAllocator_Reserve(t *testing.T) {
	a := NewAllocator()
	require.True(t, a.Reserve("gt1"))
	assert.False(t, a.Reserve("gt1"))
	a.Release("gt1")
	assert.True(t, a.Reserve("gt1"))
}

func TestAllocator_TunnelKeys(t *testing.T) {
	a := NewAllocator()
	b := NewAllocator()
	a.SetKeySpace("daemon-a")
	b.SetKeySpace("daemon-b")

	ka, kb := a.TunnelKey(), b.TunnelKey()
	assert.NotZero(t, ka)
	assert.NotEqual(t, ka, kb)
	assert.NotEqual(t, ka, a.TunnelKey())

	a.ReleaseKey(ka)
}
