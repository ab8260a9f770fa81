// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package main

import (
	"os"

	"grimm.is/netemu/internal/errors"
	"grimm.is/netemu/internal/kernel"
	"grimm.is/netemu/internal/logging"
)

func newHostKernel(logger *logging.Logger) (kernel.Kernel, error) {
	if os.Geteuid() != 0 {
		return nil, errors.New(errors.KindInvalidParameter, "netemud needs root to manage namespaces; use -sim for a dry run")
	}
	return kernel.NewLinuxKernel(logger), nil
}
