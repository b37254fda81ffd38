/*
Package upstream tracks the configured set of upstream DNS servers, their health state and
in-flight load, and exposes the live-set the load balancer selects from. It follows the locking
discipline of the teacher's bestserver package: a single writer/many-reader mutex guards everything,
critical sections stay short, and nothing is sent on a socket while the lock is held.
*/
package upstream

import (
	"net"
	"sync"
	"time"

	"github.com/markdingo/edgedns/internal/config"
	"github.com/markdingo/edgedns/internal/constants"
)

// Server is one configured remote resolver and its observed health. EWMA-derived RTT feeds
// TimeoutMsEst; PendingQueries is saturating so a racing decrement can never drive it negative.
type Server struct {
	Addr               *net.UDPAddr
	rttEWMA            float64 // Milliseconds
	consecutiveFailure int
	lastProbeTS        time.Time
	PendingQueries     int
	live               bool
}

// RTTEWMAMs returns the current smoothed round-trip estimate in milliseconds.
func (s *Server) RTTEWMAMs() float64 { return s.rttEWMA }

// LastProbeTS returns the timestamp of the most recent probe sent to this server.
func (s *Server) LastProbeTS() time.Time { return s.lastProbeTS }

// Live reports whether the server is currently considered healthy.
func (s *Server) Live() bool { return s.live }

// PrepareSend is called on every primary send before the packet goes out, mirroring the
// upstream_server.prepare_send hook in the Rust source this core was distilled from. It is an
// extension point for a server that needs to warm up some per-connection state before its first
// send; the core itself has no such state, so this is a no-op.
func (s *Server) PrepareSend(cfg *config.Config) {}

const ewmaAlpha = 0.3 // Weight given to the newest sample; matches a typical SRTT smoothing factor

// Registry is the mapping of socket address to Server plus the derived live-set, guarded by a
// single RWMutex exactly as bestserver.baseManager guards its server list.
type Registry struct {
	mu               sync.RWMutex
	servers          []*Server
	addrIndex        map[string]int
	live             []int // Indices into servers currently considered healthy
	failureThreshold int
	maxTimeoutMs     uint64
}

// New builds a Registry from a list of upstream addresses. All servers start live; this mirrors a
// freshly-started proxy that has not yet observed any failures.
func New(addrs []*net.UDPAddr) *Registry {
	consts := constants.Get()
	r := &Registry{
		addrIndex:        make(map[string]int, len(addrs)),
		failureThreshold: consts.UpstreamFailureThreshold,
		maxTimeoutMs:     consts.UpstreamQueryMaxTimeoutMs,
	}
	for _, a := range addrs {
		r.addrIndex[a.String()] = len(r.servers)
		r.servers = append(r.servers, &Server{Addr: a, live: true, rttEWMA: float64(consts.UpstreamProbesDelayMs)})
		r.live = append(r.live, len(r.servers)-1)
	}

	return r
}

// SnapshotLive returns a copy of the currently-live server indices. Read-mostly: callers in the hot
// path take the read lock only for the duration of the copy.
func (r *Registry) SnapshotLive() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]int, len(r.live))
	copy(out, r.live)

	return out
}

// ServerAt returns the Server at idx. idx must come from a SnapshotLive call against this Registry;
// the caller holds no lock across this call so the returned pointer's mutable fields may change
// concurrently — callers needing a consistent read/modify/write use WithServer.
func (r *Registry) ServerAt(idx int) *Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if idx < 0 || idx >= len(r.servers) {
		return nil
	}

	return r.servers[idx]
}

// WithServer runs f under the write lock against the Server configured at addr. If addr is not
// configured, f is skipped and ok is false — this is the BackendNotConfigured case spec'd for
// concurrent reconfiguration races.
func (r *Registry) WithServer(addr *net.UDPAddr, f func(*Server)) (ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, found := r.addrIndex[addr.String()]
	if !found {
		return false
	}
	f(r.servers[idx])

	return true
}

// RecordFailure increments addr's consecutive-failure counter and, once the threshold is crossed,
// removes it from the live-set. Returns false if addr is not configured (BackendNotConfigured).
func (r *Registry) RecordFailure(addr *net.UDPAddr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, found := r.addrIndex[addr.String()]
	if !found {
		return false
	}

	s := r.servers[idx]
	s.consecutiveFailure++
	if s.live && s.consecutiveFailure >= r.failureThreshold {
		s.live = false
		r.removeFromLive(idx)
	}

	return true
}

// RecordSuccess resets addr's failure counter, folds rtt into its EWMA, and restores it to the
// live-set if it was previously marked offline. Returns false if addr is not configured.
func (r *Registry) RecordSuccess(addr *net.UDPAddr, rtt time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, found := r.addrIndex[addr.String()]
	if !found {
		return false
	}

	s := r.servers[idx]
	s.consecutiveFailure = 0
	ms := float64(rtt.Microseconds()) / 1000.0
	if s.rttEWMA == 0 {
		s.rttEWMA = ms
	} else {
		s.rttEWMA = ewmaAlpha*ms + (1-ewmaAlpha)*s.rttEWMA
	}
	if !s.live {
		s.live = true
		r.addToLive(idx)
	}

	return true
}

// TimeoutMsEst returns the per-attempt timeout for addr, derived from its RTT EWMA and bounded by
// the absolute UPSTREAM_QUERY_MAX_TIMEOUT_MS ceiling. A generous multiplier on the EWMA absorbs
// normal jitter without waiting the full hard ceiling on every attempt.
func (r *Registry) TimeoutMsEst(addr *net.UDPAddr) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx, found := r.addrIndex[addr.String()]
	if !found {
		return r.maxTimeoutMs
	}

	est := uint64(r.servers[idx].rttEWMA * 4)
	if est == 0 || est > r.maxTimeoutMs {
		return r.maxTimeoutMs
	}

	return est
}

// IncPending increments addr's in-flight attempt count (saturating — never below zero, no explicit
// upper bound since it tracks real concurrent attempts).
func (r *Registry) IncPending(addr *net.UDPAddr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx, found := r.addrIndex[addr.String()]; found {
		r.servers[idx].PendingQueries++
	}
}

// DecPending decrements addr's in-flight attempt count, saturating at zero.
func (r *Registry) DecPending(addr *net.UDPAddr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx, found := r.addrIndex[addr.String()]; found {
		if r.servers[idx].PendingQueries > 0 {
			r.servers[idx].PendingQueries--
		}
	}
}

// TryProbe reports whether addr is eligible for a probe right now — at least minDelay has elapsed
// since its last probe — and if so stamps LastProbeTS to now so concurrent callers can't double-probe
// the same server inside the rate-limit window.
func (r *Registry) TryProbe(addr *net.UDPAddr, now time.Time, minDelay time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, found := r.addrIndex[addr.String()]
	if !found {
		return false
	}

	s := r.servers[idx]
	if !s.lastProbeTS.IsZero() && now.Sub(s.lastProbeTS) < minDelay {
		return false
	}
	s.lastProbeTS = now

	return true
}

// OfflineAddrs returns the configured addresses currently considered offline, used by ProbeSender to
// find probe candidates.
func (r *Registry) OfflineAddrs() []*net.UDPAddr {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*net.UDPAddr
	for _, s := range r.servers {
		if !s.live {
			out = append(out, s.Addr)
		}
	}

	return out
}

// addToLive appends idx to the live-set. Caller must hold the write lock.
func (r *Registry) addToLive(idx int) {
	for _, i := range r.live {
		if i == idx {
			return
		}
	}
	r.live = append(r.live, idx)
}

// removeFromLive drops idx from the live-set. Caller must hold the write lock.
func (r *Registry) removeFromLive(idx int) {
	for i, v := range r.live {
		if v == idx {
			r.live = append(r.live[:i], r.live[i+1:]...)

			return
		}
	}
}
