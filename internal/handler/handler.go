/*
Package handler implements ClientQueryHandler, the orchestrator that ties together the registry, load
balancer, pending table, scheduler, and probe sender described elsewhere in the core. Ingest is
intended to be called from a worker goroutine per incoming client query — grounded on the teacher
pack's fixed worker-pool model for inbound UDP handling — so blocking inside Ingest while a timeout
races only stalls that one worker, not the listener.
*/
package handler

import (
	"io"
	"log/slog"
	"math/rand"
	"net"
	"time"

	"github.com/markdingo/edgedns/internal/cache"
	"github.com/markdingo/edgedns/internal/config"
	"github.com/markdingo/edgedns/internal/dnscodec"
	"github.com/markdingo/edgedns/internal/fingerprint"
	"github.com/markdingo/edgedns/internal/loadbalancer"
	"github.com/markdingo/edgedns/internal/metrics"
	"github.com/markdingo/edgedns/internal/pending"
	"github.com/markdingo/edgedns/internal/probe"
	"github.com/markdingo/edgedns/internal/scheduler"
	"github.com/markdingo/edgedns/internal/upstream"

	"github.com/miekg/dns"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// Socket is the outbound send capability the handler dispatches primary and retry attempts through.
// For each attempt one Socket is chosen uniformly at random from the configured pool, as the spec
// requires.
type Socket interface {
	SendTo(addr *net.UDPAddr, packet []byte) error
	LocalPort() int
}

// Handler wires the registry, load balancer, pending table, probe sender, and optional stale cache
// into the coalescing/retry/degrade state machine described by the core.
type Handler struct {
	Registry     *upstream.Registry
	Table        *pending.Table
	Policy       loadbalancer.Policy
	Cache        cache.Cache // May be nil; degradation then always synthesizes SERVFAIL
	Probe        *probe.Sender
	Sockets      []Socket
	MaxTimeoutMs uint64           // UPSTREAM_QUERY_MAX_TIMEOUT_MS, the hard retry ceiling
	Config       *config.Config   // Passed to Server.PrepareSend on every primary send; may be nil
	Wheel        *scheduler.Wheel // Bounds concurrent PendingQueries to max_active_queries; may be nil
	Log          *slog.Logger
}

func (h *Handler) logger() *slog.Logger {
	if h.Log == nil {
		return discardLogger
	}

	return h.Log
}

func (h *Handler) pickSocket() Socket {
	return h.Sockets[rand.Intn(len(h.Sockets))]
}

// releaseWheel frees one wheel slot. Safe to call when Wheel is nil (admission control disabled).
func (h *Handler) releaseWheel() {
	if h.Wheel != nil {
		h.Wheel.Release()
	}
}

// Ingest processes one incoming client query to completion of its synchronous portion: admission,
// coalescing, or issuing a fresh attempt and riding out its timeout/retry lifecycle. It returns once
// the query's fate is decided — delivered, degraded, or (on coalesce) handed off to an attempt some
// other call to Ingest is already driving.
func (h *Handler) Ingest(nq fingerprint.NormalizedQuestion, msg *dns.Msg, candidates []string, reply pending.ResponseWriter) {
	fp := nq.Fingerprint(msg)
	client := &pending.ClientQuery{Question: nq, Candidates: candidates, Reply: reply}

	live := h.Registry.SnapshotLive()
	if len(live) == 0 { // All-down shortcut: no pending entry is created
		h.degradeOne(nq, fp, client)

		return
	}

	if h.Table.NeedsEviction() {
		if evicted := h.Table.EvictOne(); evicted != nil {
			h.logger().Debug("pending entry evicted under admission pressure", "qname", evicted.Question.Qname)
			metrics.PendingEvictions.Inc()
			h.abandon(evicted)
		}
	}

	if h.Table.TryAttach(fp, client) == pending.Attached {
		metrics.CoalesceHits.Inc()

		return
	}

	if h.Wheel != nil && !h.Wheel.TryAcquire() {
		h.logger().Debug("wheel at capacity, degrading client without a new attempt", "qname", nq.Qname)
		h.degradeOne(nq, fp, client)

		return
	}

	candidateLive := intersectCandidates(live, candidates, h.Registry)
	wire, min, err := dnscodec.BuildQueryPacket(nq, false)
	if err != nil {
		h.logger().Warn("codec error building primary query, dropping client silently", "qname", nq.Qname, "error", err)
		h.releaseWheel()

		return
	}

	idx, err := loadbalancer.Pick(h.Policy, nq.Qname, min.UpstreamTid, false, candidateLive, h.Registry)
	if err != nil {
		h.releaseWheel()
		h.degradeOne(nq, fp, client)

		return
	}

	sock := h.pickSocket()
	server := h.Registry.ServerAt(idx)
	if server != nil {
		server.PrepareSend(h.Config)
	}

	var probedAddr string
	if probed, perr := h.Probe.Send(h.Registry, toUDPAddrs(candidates), wire, probeSocketAdapter{sock}, time.Now()); perr == nil && probed != nil {
		metrics.ProbesSent.WithLabelValues(probed.String()).Inc()
		probedAddr = probed.String()
	}

	pq := &pending.PendingQuery{
		Fingerprint:       fp,
		Question:          nq,
		Candidates:        candidates,
		Minimal:           min,
		LocalPort:         sock.LocalPort(),
		ClientQueries:     []*pending.ClientQuery{client},
		Ts:                time.Now(),
		UpstreamServerIdx: idx,
		ProbedSocketAddr:  probedAddr,
		DoneCh:            make(chan struct{}),
	}

	h.Registry.IncPending(server.Addr)
	h.Table.Insert(fp, pq)
	metrics.InflightQueries.Inc()
	metrics.WaitingClients.Set(float64(h.Table.WaitingClientCount()))

	if err := sock.SendTo(server.Addr, wire); err != nil {
		h.logger().Warn("send error on primary attempt, awaiting timeout", "upstream", server.Addr.String(), "error", err)
	}
	metrics.UpstreamSent.WithLabelValues("primary").Inc()

	h.drive(fp, pq)
}

// drive races an attempt's completion signal against its timeout, retrying once on the first timeout
// and degrading on the second.
func (h *Handler) drive(fp fingerprint.Fingerprint, pq *pending.PendingQuery) {
	for {
		addr := h.addrFor(pq.UpstreamServerIdx)
		timeoutMs := h.Registry.TimeoutMsEst(addr)
		if pq.Retried {
			timeoutMs = h.MaxTimeoutMs
		}

		outcome := scheduler.Race(pq.DoneCh, timeoutMs)
		if outcome == scheduler.Completed {
			return
		}

		if pq.Retried {
			h.onSecondTimeout(fp)

			return
		}

		if !h.onFirstTimeout(fp, pq) {
			return // Already resolved elsewhere, or torn down inside onFirstTimeout (degraded on AllDown, dropped on codec error)
		}
		// Loop again to race the freshly-armed retry attempt.
	}
}

// onFirstTimeout performs the §4.5.a retry transition in place on pq. Returns false if no retry was
// armed: the entry was already resolved by another path, or it was removed instead of retried —
// degrading its clients on AllDown, or dropping them silently on a codec error rebuilding the packet.
func (h *Handler) onFirstTimeout(fp fingerprint.Fingerprint, pq *pending.PendingQuery) bool {
	current := h.Table.Lookup(fp)
	if current == nil || current != pq {
		return false // Already completed or replaced by a racing path
	}

	prevAddr := h.addrFor(pq.UpstreamServerIdx)
	h.Registry.DecPending(prevAddr)
	h.Registry.RecordFailure(prevAddr)
	metrics.UpstreamFailures.WithLabelValues(prevAddr.String()).Inc()
	metrics.UpstreamTimeout.WithLabelValues("primary").Inc()

	live := h.Registry.SnapshotLive()
	candidateLive := intersectCandidates(live, pq.Candidates, h.Registry)

	wire, min, err := dnscodec.BuildQueryPacket(pq.Question, true)
	if err != nil {
		h.logger().Warn("codec error rebuilding retry query, dropping attached clients silently", "qname", pq.Question.Qname, "error", err)
		h.Table.Remove(fp)
		metrics.InflightQueries.Dec()
		h.releaseWheel()

		return false
	}

	idx, err := loadbalancer.Pick(h.Policy, pq.Question.Qname, min.UpstreamTid, true, candidateLive, h.Registry)
	if err != nil {
		h.Table.Remove(fp)
		metrics.InflightQueries.Dec()
		h.releaseWheel()
		h.degradeAll(pq)

		return false
	}

	sock := h.pickSocket()
	newAddr := h.addrFor(idx)

	oldTid := pq.Minimal.UpstreamTid
	pq.Minimal = min
	pq.LocalPort = sock.LocalPort()
	pq.Ts = time.Now()
	pq.UpstreamServerIdx = idx
	pq.DoneCh = make(chan struct{})
	pq.Retried = true
	h.Table.SetTid(fp, oldTid, min.UpstreamTid)

	h.Registry.IncPending(newAddr)
	if err := sock.SendTo(newAddr, wire); err != nil {
		h.logger().Warn("send error on retry attempt, awaiting hard ceiling", "upstream", newAddr.String(), "error", err)
	}
	metrics.UpstreamSent.WithLabelValues("retry").Inc()

	return true
}

// onSecondTimeout implements the hard-ceiling expiry: degrade every attached client and tear down the
// entry. Only reachable once a retry has already been attempted.
func (h *Handler) onSecondTimeout(fp fingerprint.Fingerprint) {
	pq := h.Table.Remove(fp)
	if pq == nil {
		return
	}

	metrics.UpstreamTimeout.WithLabelValues("retry").Inc()
	addr := h.addrFor(pq.UpstreamServerIdx)
	h.Registry.DecPending(addr)
	h.Registry.RecordFailure(addr)
	metrics.UpstreamFailures.WithLabelValues(addr.String()).Inc()
	metrics.InflightQueries.Dec()
	metrics.WaitingClients.Set(float64(h.Table.WaitingClientCount()))
	h.releaseWheel()

	pq.Fire()
	h.degradeAll(pq)
}

// DeliverByTid is the entry point the real response dispatcher uses: it only knows the upstream
// transaction id carried by the wire packet it just read, not the Fingerprint the core indexes by.
// Returns false if tid matches no in-flight attempt — already resolved by a racing timeout/eviction,
// or a stray/duplicate packet from a server that is not believed to be in-flight.
func (h *Handler) DeliverByTid(tid uint16, rtt time.Duration, packet []byte) bool {
	fp, ok := h.Table.LookupByTid(tid)
	if !ok {
		return false
	}
	h.Deliver(fp, rtt, packet)

	return true
}

// Deliver is the hook the response-dispatch path outside this core calls when an upstream reply
// arrives and matches a live PendingQuery. It tears down the entry, updates health/load bookkeeping,
// and fans the packet out to every attached client.
func (h *Handler) Deliver(fp fingerprint.Fingerprint, rtt time.Duration, packet []byte) {
	pq := h.Table.Remove(fp)
	if pq == nil {
		return // Already handled by a racing timeout/eviction
	}

	addr := h.addrFor(pq.UpstreamServerIdx)
	h.Registry.DecPending(addr)
	h.Registry.RecordSuccess(addr, rtt)
	metrics.InflightQueries.Dec()
	metrics.WaitingClients.Set(float64(h.Table.WaitingClientCount()))
	metrics.UpstreamLive.WithLabelValues(addr.String()).Set(1)
	h.releaseWheel()

	pq.Fire()
	for _, c := range pq.ClientQueries {
		if err := c.Reply.Write(packet); err != nil {
			h.logger().Warn("error writing response to client", "qname", c.Question.Qname, "error", err)
		}
	}
}

// degradeOne runs the §4.6 degradation sequence for a single client that never got a PendingQuery
// (the all-down shortcut, or a primary LoadBalancer.Pick failure before any entry was created).
func (h *Handler) degradeOne(nq fingerprint.NormalizedQuestion, fp fingerprint.Fingerprint, client *pending.ClientQuery) {
	if h.Cache != nil {
		if entry, ok := h.Cache.Get(fp); ok {
			if err := client.Reply.Write(entry.Packet); err == nil {
				metrics.ClientQueriesOffline.Inc()
			}

			return
		}
	}

	packet, err := dnscodec.BuildServFailPacket(nq)
	if err != nil {
		h.logger().Warn("SERVFAIL synthesis failed, dropping client silently", "qname", nq.Qname, "error", err)

		return // Last resort: drop silently, never panic
	}

	if err := client.Reply.Write(packet); err == nil {
		metrics.ClientQueriesOffline.Inc()
	}
}

// degradeAll runs degradeOne for every client attached to pq, used when a pending entry is torn down
// without ever getting a fresh response.
func (h *Handler) degradeAll(pq *pending.PendingQuery) {
	for _, c := range pq.ClientQueries {
		h.degradeOne(c.Question, pq.Fingerprint, c)
	}
}

// abandon tears down a PendingQuery that was evicted under admission pressure. Per the core's
// cancellation behavior, an evicted entry's attached clients simply never receive a response — they
// rely on their own client-side timeout — so abandon only releases bookkeeping and wakes the goroutine
// racing pq's timeout immediately, instead of writing anything to any attached client's Reply.
func (h *Handler) abandon(pq *pending.PendingQuery) {
	addr := h.addrFor(pq.UpstreamServerIdx)
	h.Registry.DecPending(addr)
	metrics.InflightQueries.Dec()
	metrics.WaitingClients.Set(float64(h.Table.WaitingClientCount()))
	h.releaseWheel()

	pq.Fire()
}

func (h *Handler) addrFor(idx int) *net.UDPAddr {
	s := h.Registry.ServerAt(idx)
	if s == nil {
		return nil
	}

	return s.Addr
}

// intersectCandidates restricts live (registry indices) to those whose address is also named in
// candidates. An empty candidates list means "no restriction" — the typical case where a query's
// candidate set equals the full configured pool.
func intersectCandidates(live []int, candidates []string, reg *upstream.Registry) []int {
	if len(candidates) == 0 {
		return live
	}

	allowed := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		allowed[c] = true
	}

	out := make([]int, 0, len(live))
	for _, idx := range live {
		s := reg.ServerAt(idx)
		if s != nil && allowed[s.Addr.String()] {
			out = append(out, idx)
		}
	}

	return out
}

func toUDPAddrs(candidates []string) []*net.UDPAddr {
	out := make([]*net.UDPAddr, 0, len(candidates))
	for _, c := range candidates {
		if a, err := net.ResolveUDPAddr("udp", c); err == nil {
			out = append(out, a)
		}
	}

	return out
}

// probeSocketAdapter lets a handler.Socket satisfy probe.Socket without the probe package importing
// handler (which would be a cycle).
type probeSocketAdapter struct {
	sock Socket
}

func (p probeSocketAdapter) SendTo(addr *net.UDPAddr, packet []byte) error {
	return p.sock.SendTo(addr, packet)
}
