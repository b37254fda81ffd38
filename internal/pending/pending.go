/*
Package pending implements the PendingTable: the map from Fingerprint to the single in-flight
PendingQuery aggregate that coalesced ClientQueries share. Unlike upstream.Registry's RWMutex, all
table state, including the waiting-client count, is guarded by one sync.Mutex that readers take as
well. No response is ever sent while the table lock is held.
*/
package pending

import (
	"sync"
	"time"

	"github.com/markdingo/edgedns/internal/dnscodec"
	"github.com/markdingo/edgedns/internal/fingerprint"
)

// ClientQuery is a request awaiting a response, attached to exactly one PendingQuery at a time.
// Immutable once created, per the data model.
type ClientQuery struct {
	Question   fingerprint.NormalizedQuestion
	Candidates []string // Socket addresses this client permits routing to; usually the full set
	Reply      ResponseWriter
}

// ResponseWriter is the opaque handle a ClientQuery carries to deliver its eventual response. Reply
// already knows its own destination (bound at creation to the client's remote address), so Write
// takes only the packet. Satisfied by the real inbound UDP socket in cmd/edgedns-proxy and by fakes
// in tests.
type ResponseWriter interface {
	Write(packet []byte) error
}

// PendingQuery is one outstanding upstream attempt shared by one or more ClientQueries.
type PendingQuery struct {
	Fingerprint       fingerprint.Fingerprint
	Question          fingerprint.NormalizedQuestion
	Candidates        []string // Per-query candidate set the attempt may be routed to
	Minimal           dnscodec.NormalizedQuestionMinimal
	LocalPort         int
	ClientQueries     []*ClientQuery
	Ts                time.Time
	UpstreamServerIdx int
	ProbedSocketAddr  string // Empty if no probe accompanied this attempt
	DoneCh            chan struct{}
	doneFired         bool
	Retried           bool
}

// Fire closes DoneCh exactly once. Calling Fire more than once is a no-op, matching the spec's "fired
// exactly once" invariant without requiring every caller to separately track whether it already won
// the race.
func (pq *PendingQuery) Fire() {
	if pq.doneFired {
		return
	}
	pq.doneFired = true
	close(pq.DoneCh)
}

// AttachResult is returned by Table.TryAttach.
type AttachResult int

const (
	Attached AttachResult = iota
	NoEntry
)

// Table maps Fingerprint to PendingQuery. Mutations are serialized by mu; reads of a looked-up
// *PendingQuery's fields after the call returns are only safe while still holding a reference
// obtained under the lock, which is why every exported method here takes the lock for its own
// duration and returns copies or pointers the caller then treats as read-only outside the lock.
type Table struct {
	mu                 sync.Mutex
	entries            map[fingerprint.Fingerprint]*PendingQuery
	byTid              map[uint16]fingerprint.Fingerprint // Upstream tid of the in-flight attempt -> Fingerprint
	waitingClientCount int
	maxWaitingClients  int
}

// NewTable constructs an empty Table admitting at most maxWaitingClients waiting clients before
// eviction kicks in.
func NewTable(maxWaitingClients int) *Table {
	return &Table{
		entries:           make(map[fingerprint.Fingerprint]*PendingQuery),
		byTid:             make(map[uint16]fingerprint.Fingerprint),
		maxWaitingClients: maxWaitingClients,
	}
}

// LookupByTid resolves the upstream transaction id carried by an inbound response packet back to the
// Fingerprint of the attempt that sent it. This is how the response-dispatch path outside the core —
// which only ever sees wire bytes, never a Fingerprint — finds which PendingQuery to Deliver to.
func (t *Table) LookupByTid(tid uint16) (fingerprint.Fingerprint, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fp, ok := t.byTid[tid]

	return fp, ok
}

// SetTid (re)indexes fp under tid, overwriting any prior tid index for this entry's previous attempt.
// Callers must hold no other reference-consistency expectation beyond "the most recent SetTid for a
// given Fingerprint wins" — exactly the retry transition's requirement, where the old tid must stop
// resolving once a new attempt has been armed.
func (t *Table) SetTid(fp fingerprint.Fingerprint, oldTid, newTid uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.byTid, oldTid)
	t.byTid[newTid] = fp
}

// TryAttach appends client to the existing pending entry for fp, if any, and returns Attached.
// Returns NoEntry without mutation if no pending entry exists yet for fp — the caller must then
// build and Insert a fresh one.
func (t *Table) TryAttach(fp fingerprint.Fingerprint, client *ClientQuery) AttachResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	pq, ok := t.entries[fp]
	if !ok {
		return NoEntry
	}
	pq.ClientQueries = append(pq.ClientQueries, client)
	t.waitingClientCount++

	return Attached
}

// Insert adds a freshly-built PendingQuery for fp. The caller must have already verified, via
// TryAttach returning NoEntry (under the same external serialization), that no entry exists.
func (t *Table) Insert(fp fingerprint.Fingerprint, pq *PendingQuery) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries[fp] = pq
	t.byTid[pq.Minimal.UpstreamTid] = fp
	t.waitingClientCount += len(pq.ClientQueries)
}

// Remove deletes and returns the entry for fp, used on completion, timeout-exhaustion, and eviction.
// Returns nil if no entry exists (already resolved by a racing path).
func (t *Table) Remove(fp fingerprint.Fingerprint) *PendingQuery {
	t.mu.Lock()
	defer t.mu.Unlock()

	pq, ok := t.entries[fp]
	if !ok {
		return nil
	}
	delete(t.entries, fp)
	delete(t.byTid, pq.Minimal.UpstreamTid)
	t.waitingClientCount -= len(pq.ClientQueries)
	if t.waitingClientCount < 0 {
		t.waitingClientCount = 0
	}

	return pq
}

// Lookup returns the current entry for fp without mutating the table, or nil if absent.
func (t *Table) Lookup(fp fingerprint.Fingerprint) *PendingQuery {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.entries[fp]
}

// WaitingClientCount returns the current sum of attached ClientQueries across all pending entries.
func (t *Table) WaitingClientCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.waitingClientCount
}

// NeedsEviction reports whether waitingClientCount has reached the admission ceiling.
func (t *Table) NeedsEviction() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.waitingClientCount >= t.maxWaitingClients
}

// EvictOne removes the oldest entry by Ts and returns it, or nil if the table is empty. The spec
// permits evicting by iteration order or by age; the oldest-by-Ts choice is taken here for
// determinism under test, at the cost of an O(n) scan — acceptable given max_active_queries bounds n.
func (t *Table) EvictOne() *PendingQuery {
	t.mu.Lock()
	defer t.mu.Unlock()

	var oldestFp fingerprint.Fingerprint
	var oldest *PendingQuery
	for fp, pq := range t.entries {
		if oldest == nil || pq.Ts.Before(oldest.Ts) {
			oldestFp = fp
			oldest = pq
		}
	}
	if oldest == nil {
		return nil
	}
	delete(t.entries, oldestFp)
	delete(t.byTid, oldest.Minimal.UpstreamTid)
	t.waitingClientCount -= len(oldest.ClientQueries)
	if t.waitingClientCount < 0 {
		t.waitingClientCount = 0
	}

	return oldest
}

// Len returns the number of distinct pending entries, mostly useful for tests and metrics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.entries)
}
