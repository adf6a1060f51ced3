// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package committee models the fixed-per-epoch authority set: stake
// weights, quorum/validity thresholds, and the deterministic leader
// schedule the commit rule consults on every even round.
package committee

import (
	"fmt"
	"math/bits"
	"math/rand"
	"sort"

	"github.com/luxfi/crypto/hashing"
	"github.com/luxfi/ids"

	"github.com/eqlabs/bullshark-bft/types"
)

// Authority is a committee member: a dense protocol index, its network
// identity (so a future transport layer has somewhere to dial), and
// its fixed stake.
type Authority struct {
	ID        types.AuthorityID
	NodeID    ids.NodeID
	PublicKey []byte
	Stake     uint64
}

// Committee is the ordered, immutable authority set for one epoch.
type Committee struct {
	epoch       types.Epoch
	authorities []Authority
	byID        map[types.AuthorityID]Authority
	totalStake  uint64
}

// New constructs a Committee. Authority IDs must be dense, zero-based,
// and each stake must be positive; New returns an error otherwise since
// a malformed committee breaks every downstream threshold computation.
func New(epoch types.Epoch, authorities []Authority) (*Committee, error) {
	if len(authorities) == 0 {
		return nil, fmt.Errorf("committee: empty authority set")
	}
	sorted := append([]Authority(nil), authorities...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	byID := make(map[types.AuthorityID]Authority, len(sorted))
	var total uint64
	for i, a := range sorted {
		if a.ID != types.AuthorityID(i) {
			return nil, fmt.Errorf("committee: authority IDs must be dense starting at 0, got %d at index %d", a.ID, i)
		}
		if a.Stake == 0 {
			return nil, fmt.Errorf("committee: authority %d has zero stake", a.ID)
		}
		sum, carry := bits.Add64(total, a.Stake, 0)
		if carry != 0 {
			return nil, fmt.Errorf("committee: total stake overflow")
		}
		total = sum
		byID[a.ID] = a
	}

	return &Committee{
		epoch:       epoch,
		authorities: sorted,
		byID:        byID,
		totalStake:  total,
	}, nil
}

// Epoch returns the committee's epoch.
func (c *Committee) Epoch() types.Epoch { return c.epoch }

// Size returns the number of authorities.
func (c *Committee) Size() int { return len(c.authorities) }

// Authorities returns the ordered authority list. Callers must not
// mutate the returned slice.
func (c *Committee) Authorities() []Authority { return c.authorities }

// Authority looks up a committee member by ID.
func (c *Committee) Authority(id types.AuthorityID) (Authority, bool) {
	a, ok := c.byID[id]
	return a, ok
}

// Stake returns the stake of an authority, or 0 if unknown.
func (c *Committee) Stake(id types.AuthorityID) uint64 {
	return c.byID[id].Stake
}

// TotalStake returns the sum of all authority stakes.
func (c *Committee) TotalStake() uint64 { return c.totalStake }

// QuorumThreshold is 2f+1 stake out of 3f+1 total: floor(2*total/3) + 1.
func (c *Committee) QuorumThreshold() uint64 {
	return c.totalStake*2/3 + 1
}

// ValidityThreshold is f+1 stake: floor((total-1)/3) + 1. It guarantees
// at least one honest authority contributed to the counted stake.
func (c *Committee) ValidityThreshold() uint64 {
	return (c.totalStake-1)/3 + 1
}

// ReachedQuorum reports whether stake meets the 2f+1 quorum threshold.
func (c *Committee) ReachedQuorum(stake uint64) bool {
	return stake >= c.QuorumThreshold()
}

// ReachedValidity reports whether stake meets the f+1 validity threshold.
func (c *Committee) ReachedValidity(stake uint64) bool {
	return stake >= c.ValidityThreshold()
}

// Leader returns the authority that leads round for the given schedule
// epoch. Leaders are only defined for even rounds; odd rounds "vote"
// for the prior even round's leader and have no leader of their own.
//
// The schedule is a pure function of (committee, scheduleEpoch): the
// authority list is deterministically permuted by a Fisher-Yates
// shuffle seeded from a hash of (committee epoch, scheduleEpoch), then
// leader(round) is the permuted list entry at index (round/2) mod n.
// No wall-clock time or OS entropy is ever consulted, so every honest
// replica computes the identical schedule from identical inputs.
func (c *Committee) Leader(round types.Round, scheduleEpoch uint64) (types.AuthorityID, bool) {
	if round == 0 || round%2 != 0 {
		return 0, false
	}
	schedule := c.schedule(scheduleEpoch)
	idx := (round / 2) % types.Round(len(schedule))
	return schedule[idx], true
}

// schedule returns the deterministic leader permutation for scheduleEpoch.
func (c *Committee) schedule(scheduleEpoch uint64) []types.AuthorityID {
	ids := make([]types.AuthorityID, len(c.authorities))
	for i, a := range c.authorities {
		ids[i] = a.ID
	}

	seedInput := make([]byte, 16)
	for i := 0; i < 8; i++ {
		seedInput[i] = byte(uint64(c.epoch) >> (8 * i))
		seedInput[8+i] = byte(scheduleEpoch >> (8 * i))
	}
	digest := hashing.ComputeHash256Array(seedInput)
	var seed int64
	for i := 0; i < 8; i++ {
		seed |= int64(digest[i]) << (8 * i)
	}
	if seed < 0 {
		seed = -seed
	}

	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	return ids
}
