// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/eqlabs/bullshark-bft/committee"
	"github.com/eqlabs/bullshark-bft/types"
)

// committeeFile is the on-disk shape a committee config file is read
// from: one stake entry per authority, indexed implicitly by position.
type committeeFile struct {
	Epoch uint64 `json:"epoch"`
	Stake []uint64 `json:"stake"`
}

func checkCmd() *cobra.Command {
	var path string
	var gcDepth uint64

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a committee configuration for safety and correctness",
		Long: `check loads a JSON committee description (epoch plus one stake
value per authority), constructs the committee the same way the engine would,
and reports the resulting quorum/validity thresholds and whether the
configuration can tolerate any Byzantine stake at all.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(path, gcDepth)
		},
	}

	cmd.Flags().StringVar(&path, "config", "", "path to a committee JSON file (required)")
	cmd.Flags().Uint64Var(&gcDepth, "gc-depth", 50, "garbage collection depth, in rounds")
	cmd.MarkFlagRequired("config")

	return cmd
}

func runCheck(path string, gcDepth uint64) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	var file committeeFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(file.Stake) == 0 {
		return fmt.Errorf("%s: stake list is empty", path)
	}

	authorities := make([]committee.Authority, len(file.Stake))
	for i, stake := range file.Stake {
		authorities[i] = committee.Authority{ID: types.AuthorityID(i), Stake: stake}
	}

	comm, err := committee.New(types.Epoch(file.Epoch), authorities)
	if err != nil {
		return fmt.Errorf("invalid committee: %w", err)
	}

	quorum := comm.QuorumThreshold()
	validity := comm.ValidityThreshold()
	maxByzantine := comm.TotalStake() - quorum

	fmt.Printf("=== Committee Check ===\n")
	fmt.Printf("epoch:              %d\n", comm.Epoch())
	fmt.Printf("authorities:        %d\n", comm.Size())
	fmt.Printf("total stake:        %d\n", comm.TotalStake())
	fmt.Printf("quorum threshold:   %d (2f+1)\n", quorum)
	fmt.Printf("validity threshold: %d (f+1)\n", validity)
	fmt.Printf("max byzantine stake tolerated: %d (%.1f%%)\n",
		maxByzantine, float64(maxByzantine)/float64(comm.TotalStake())*100)
	fmt.Printf("gc depth:           %d rounds\n", gcDepth)

	if comm.Size() < 4 {
		fmt.Printf("\nwarning: fewer than 4 authorities cannot tolerate any Byzantine stake under the standard 3f+1 model\n")
	}
	return nil
}
