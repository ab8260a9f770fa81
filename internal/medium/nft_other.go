// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package medium

import (
	"context"

	"grimm.is/netemu/internal/errors"
)

func deleteTable(ctx context.Context, run Runner, name string) error {
	_, err := run.Run(ctx, "", "nft", "delete", "table", "bridge", name)
	return err
}

func readCounters(name string) (map[Flow]Counter, error) {
	return nil, errors.New(errors.KindInternal, "nftables counters require linux")
}
