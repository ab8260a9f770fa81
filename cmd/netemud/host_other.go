// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package main

import (
	"grimm.is/netemu/internal/errors"
	"grimm.is/netemu/internal/kernel"
	"grimm.is/netemu/internal/logging"
)

func newHostKernel(*logging.Logger) (kernel.Kernel, error) {
	return nil, errors.New(errors.KindInvalidParameter, "network namespaces require linux; use -sim")
}
