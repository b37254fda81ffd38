/*
Package loadbalancer selects which live upstream a given attempt should target. Like the teacher's
bestserver package it dispatches on a tagged algorithm rather than an interface hierarchy — the
spec's three policies are few enough, and different enough in their retry semantics, that a common
interface would buy nothing over a switch in one place.
*/
package loadbalancer

import (
	"errors"
	"sort"

	"github.com/markdingo/edgedns/internal/upstream"
)

type Policy string

const (
	Fallback Policy = "fallback" // Always the first live index; strict primary preference
	Uniform  Policy = "uniform"  // JumpHash across the live-set, advanced by one slot on retry
	P2       Policy = "p2"       // Power-of-two-choices over pending_queries_count
)

// ErrAllDown is returned when the live-index slice is empty; the caller degrades to stale/SERVFAIL.
var ErrAllDown = errors.New("loadbalancer: all upstreams down")

// Pick selects one entry from live (indices into an upstream.Registry) for qname under policy,
// advancing the selection when isRetry is set. tid is the upstream transaction id of the attempt
// being built and only matters to P2's tie-break. live must be passed explicitly by the caller —
// this package never reads a registry's live-set itself, so there is no hidden global to get out of
// sync with what the caller actually snapshotted.
func Pick(policy Policy, qname string, tid uint16, isRetry bool, live []int, reg *upstream.Registry) (int, error) {
	if len(live) == 0 {
		return 0, ErrAllDown
	}

	switch policy {
	case Uniform:
		return pickUniform(qname, isRetry, live), nil
	case P2:
		return pickP2(tid, isRetry, live, reg), nil
	case Fallback:
		fallthrough
	default:
		return live[0], nil
	}
}

// pickUniform hashes qname into one of len(live) buckets with JumpHash, then advances by one bucket
// on retry so the retry attempt (when live_count >= 2) never repeats the primary's slot.
func pickUniform(qname string, isRetry bool, live []int) int {
	n := len(live)
	i := int(jumpHash(fnv64a(qname), int32(n)))
	if isRetry {
		i = (i + 1) % n
	}

	return live[i]
}

// pickP2 sorts live servers ascending by pending_queries_count (stable, so ties break on index
// ascending) and chooses between the two lowest-loaded using ((tid + is_retry) & 1). This literal
// formula is preserved from the original implementation it was ported from rather than "fixed" to
// always choose the least loaded — see the design notes for why that parity pick is kept as-is.
func pickP2(tid uint16, isRetry bool, live []int, reg *upstream.Registry) int {
	if len(live) == 1 {
		return live[0]
	}

	candidates := make([]int, len(live))
	copy(candidates, live)
	sort.SliceStable(candidates, func(i, j int) bool {
		return loadOf(reg, candidates[i]) < loadOf(reg, candidates[j])
	})

	retryBit := 0
	if isRetry {
		retryBit = 1
	}
	choice := (int(tid) + retryBit) & 1

	return candidates[choice]
}

func loadOf(reg *upstream.Registry, idx int) int {
	s := reg.ServerAt(idx)
	if s == nil {
		return 0
	}

	return s.PendingQueries
}

// jumpHash implements Google's JumpConsistentHash: maps key to a bucket in [0, numBuckets) such that
// the mapping is stable under small changes to numBuckets.
func jumpHash(key uint64, numBuckets int32) int32 {
	var b, j int64 = -1, 0
	for j < int64(numBuckets) {
		b = j
		key = key*2862933555777941757 + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((key>>33)+1)))
	}

	return int32(b)
}

// fnv64a is a small, dependency-free string hash used to seed JumpHash. It need not be
// cryptographic, only well-distributed and stable across runs for a given qname.
func fnv64a(s string) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}

	return h
}
