// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package executor implements the subscriber that sits downstream of the
// consensus engine: it takes the committed sub-DAG stream and, for each
// sub-DAG, fetches every payload the certificates reference before
// releasing the sub-DAG (with payloads attached) to the application.
// Sub-DAGs are released strictly in the order they were committed, even
// though their payload fetches race each other.
package executor

import (
	"context"
	"time"

	golog "github.com/luxfi/log"

	"github.com/eqlabs/bullshark-bft/consensus"
	"github.com/eqlabs/bullshark-bft/types"
)

// MaxPendingPayloads bounds how many sub-DAGs may have in-flight payload
// fetches at once. Once this many are outstanding, Run stops pulling
// from subdags until the oldest in-flight fetch completes.
const MaxPendingPayloads = 1000

// RetryBackoff is how long a failed fetch waits before retrying. Fetch
// failures are assumed transient (a worker restarting, a network blip)
// and are retried forever rather than surfaced as a terminal error.
const RetryBackoff = time.Second

// Fetcher retrieves the raw payload a certificate references. Subscriber
// calls it with the certificate's own digest and, as workerID, the
// certificate's origin authority ID.
type Fetcher interface {
	Fetch(ctx context.Context, digest types.Digest, workerID uint32) ([]byte, error)
}

// CertificatePayload is one certificate's resolved payload bytes.
type CertificatePayload struct {
	Certificate *types.Certificate
	Payload     []byte
}

// ConsensusOutput is a committed sub-DAG with every certificate's
// payload resolved, ready for application-level execution.
type ConsensusOutput struct {
	SubDag   consensus.CommittedSubDag
	Payloads []CertificatePayload
}

// Subscriber drains a channel of committed sub-DAGs, resolves payloads
// concurrently, and emits ConsensusOutput in commit order.
type Subscriber struct {
	fetch Fetcher
	log   golog.Logger
}

// New constructs a Subscriber. fetch is called once per distinct
// (digest, worker) pair referenced by a sub-DAG's certificates.
func New(fetch Fetcher, logger golog.Logger) *Subscriber {
	if logger == nil {
		logger = golog.NewNoOpLogger()
	}
	return &Subscriber{fetch: fetch, log: logger}
}

// pendingFetch is the result of one outstanding sub-DAG fetch, tagged
// with the monotonic submission index used to restore commit order.
// Fetches may complete out of order, but a map keyed by submission
// index plus a release cursor lets the consumer drain them in the
// order they were submitted.
type pendingFetch struct {
	index  uint64
	result ConsensusOutput
}

// Run drains subdags, fetches payloads for each with bounded
// concurrency (MaxPendingPayloads in flight at once), and sends
// ConsensusOutput to the returned channel strictly in commit order. It
// also accepts a slice of sub-DAGs recovered from storage.Recover that
// must be replayed (and re-fetched) before anything new from subdags,
// matching the recovery ordering the original subscriber guarantees.
//
// Run returns when ctx is cancelled or subdags is closed and every
// submitted fetch has drained.
func (s *Subscriber) Run(ctx context.Context, restored []consensus.CommittedSubDag, subdags <-chan consensus.CommittedSubDag) <-chan ConsensusOutput {
	out := make(chan ConsensusOutput)

	go func() {
		defer close(out)

		completions := make(chan *pendingFetch)
		var nextIndex, submitted, nextToRelease uint64
		inFlight := make(map[uint64]bool)

		submit := func(subdag consensus.CommittedSubDag) {
			index := nextIndex
			inFlight[index] = true
			nextIndex++
			submitted++
			go func() {
				result := s.fetchAll(ctx, subdag)
				select {
				case completions <- &pendingFetch{index: index, result: result}:
				case <-ctx.Done():
				}
			}()
		}

		for _, subdag := range restored {
			submit(subdag)
		}

		buffered := make(map[uint64]ConsensusOutput)
		releaseReady := func() []ConsensusOutput {
			var ready []ConsensusOutput
			for {
				output, ok := buffered[nextToRelease]
				if !ok {
					break
				}
				ready = append(ready, output)
				delete(buffered, nextToRelease)
				delete(inFlight, nextToRelease)
				nextToRelease++
			}
			return ready
		}

		in := subdags
		for {
			canSubmit := in != nil && uint64(len(inFlight)) < MaxPendingPayloads
			var submitCh <-chan consensus.CommittedSubDag
			if canSubmit {
				submitCh = in
			}

			select {
			case subdag, ok := <-submitCh:
				if !ok {
					in = nil
					if uint64(len(buffered))+uint64(len(inFlight)) == 0 && nextToRelease == submitted {
						return
					}
					continue
				}
				submit(subdag)

			case pf := <-completions:
				if ctx.Err() != nil {
					// A fetch cut short by cancellation carries nil
					// payloads; never release it.
					return
				}
				buffered[pf.index] = pf.result
				for _, ready := range releaseReady() {
					select {
					case out <- ready:
					case <-ctx.Done():
						return
					}
				}
				if in == nil && uint64(len(buffered))+uint64(len(inFlight)) == 0 && nextToRelease == submitted {
					return
				}

			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// fetchAll resolves the payload of every certificate in subdag. Fetches
// are keyed on (certificate digest, origin) and run concurrently; a
// certificate listed twice is fetched once, but distinct certificates
// that reference the same payload are each fetched separately.
func (s *Subscriber) fetchAll(ctx context.Context, subdag consensus.CommittedSubDag) ConsensusOutput {
	type key struct {
		digest types.Digest
		worker uint32
	}

	resolved := make(map[key][]byte)
	order := make([]key, 0, len(subdag.Certificates))
	seen := map[key]bool{}
	for _, cert := range subdag.Certificates {
		k := key{digest: cert.Digest(), worker: uint32(cert.Origin)}
		if seen[k] {
			continue
		}
		seen[k] = true
		order = append(order, k)
	}

	type fetched struct {
		key     key
		payload []byte
	}
	results := make(chan fetched, len(order))
	for _, k := range order {
		k := k
		go func() {
			results <- fetched{key: k, payload: s.fetchWithRetry(ctx, k.digest, k.worker)}
		}()
	}
	for range order {
		f := <-results
		resolved[f.key] = f.payload
	}

	payloads := make([]CertificatePayload, 0, len(subdag.Certificates))
	for _, cert := range subdag.Certificates {
		k := key{digest: cert.Digest(), worker: uint32(cert.Origin)}
		payloads = append(payloads, CertificatePayload{Certificate: cert, Payload: resolved[k]})
	}
	return ConsensusOutput{SubDag: subdag, Payloads: payloads}
}

// fetchWithRetry retries a failed fetch forever at RetryBackoff
// intervals, stopping only when ctx is cancelled. This mirrors the
// original subscriber's "loop forever on failure" contract: a transient
// worker outage must never drop or skip a committed certificate's
// payload.
func (s *Subscriber) fetchWithRetry(ctx context.Context, digest types.Digest, workerID uint32) []byte {
	for {
		payload, err := s.fetch.Fetch(ctx, digest, workerID)
		if err == nil {
			return payload
		}
		s.log.Error("payload fetch failed, retrying", "digest", digest, "worker", workerID, "error", err)
		select {
		case <-time.After(RetryBackoff):
		case <-ctx.Done():
			return nil
		}
	}
}
