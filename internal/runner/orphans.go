// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"path/filepath"
	"syscall"

	ps "github.com/mitchellh/go-ps"

	"github.com/groupsio/switchboard/internal/logging"
)

// FindOrphans returns the pids of generation CLI processes that have been
// reparented to init. These are left over from a previous orchestrator run
// that exited without reaping its children.
func FindOrphans(binary string) ([]int, error) {
	name := filepath.Base(binary)
	procs, err := ps.Processes()
	if err != nil {
		return nil, err
	}

	var pids []int
	for _, p := range procs {
		if p.Executable() == name && p.PPid() == 1 {
			pids = append(pids, p.Pid())
		}
	}
	return pids, nil
}

// ReapOrphans sends SIGTERM to every orphaned generation CLI process and
// returns how many were signalled. Called once at startup.
func ReapOrphans(binary string) int {
	pids, err := FindOrphans(binary)
	if err != nil {
		logging.Warn().Err(err).Msg("orphan scan failed")
		return 0
	}

	reaped := 0
	for _, pid := range pids {
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			logging.Warn().Err(err).Int("pid", pid).Msg("failed to signal orphan")
			continue
		}
		logging.Info().Int("pid", pid).Msg("signalled orphaned generation process")
		reaped++
	}
	return reaped
}
