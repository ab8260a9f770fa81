// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package qos

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
)

func TestBuild_Zero(t *testing.T) {
	assert.Nil(t, Build(3, Profile{}))
}

func TestBuild_NetemOnly(t *testing.T) {
	qs := Build(3, Profile{Delay: 50_000, Loss: 1})
	require.Len(t, qs, 1)

	netem, ok := qs[0].(*netlink.Netem)
	require.True(t, ok)
	assert.Equal(t, uint32(netlink.HANDLE_ROOT), netem.Attrs().Parent)
	assert.Equal(t, 3, netem.Attrs().LinkIndex)
	assert.Equal(t, "netem", netem.Type())
}

func TestBuild_WithBandwidth(t *testing.T) {
	qs := Build(7, Profile{Bandwidth: 1_000_000, Delay: 50_000})
	require.Len(t, qs, 2)

	tbf, ok := qs[1].(*netlink.Tbf)
	require.True(t, ok)
	assert.Equal(t, uint64(125_000), tbf.Rate)
	assert.Equal(t, TbfParent, tbf.Attrs().Parent)
	assert.Equal(t, TbfHandle, tbf.Attrs().Handle)
}
