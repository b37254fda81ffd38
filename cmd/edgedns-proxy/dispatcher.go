package main

import (
	"encoding/binary"
	"log/slog"
	"time"

	"github.com/markdingo/edgedns/internal/cache"
	"github.com/markdingo/edgedns/internal/fingerprint"
	"github.com/markdingo/edgedns/internal/handler"

	"github.com/miekg/dns"
)

// dispatcher reads replies off one outbound socket and matches them back to the in-flight attempt
// that sent the query, by the upstream transaction id carried in the first two bytes of the DNS
// header. This is the production counterpart of handler_test.go's direct handler.Deliver calls: the
// only thing the wire actually gives us is a tid, which is why pending.Table indexes by it.
//
// It is also the only place that populates the stale-answer cache: cache.Cache has no Set in the
// interface the handler depends on, since the handler only ever reads it, so whichever component
// owns a successful wire answer is responsible for storing it.
type dispatcher struct {
	conn        *outboundConn
	h           *handler.Handler
	log         *slog.Logger
	cacheWriter *cache.LRU // nil if caching is disabled
	done        chan struct{}
}

func newDispatcher(conn *outboundConn, h *handler.Handler, cacheWriter *cache.LRU, log *slog.Logger) *dispatcher {
	return &dispatcher{conn: conn, h: h, cacheWriter: cacheWriter, log: log, done: make(chan struct{})}
}

func (d *dispatcher) run() {
	buf := make([]byte, 65535)
	for {
		n, _, err := d.conn.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-d.done:
				return
			default:
				d.log.Debug("outbound read error", "error", err)

				return
			}
		}
		if n < 2 {
			continue
		}
		tid := binary.BigEndian.Uint16(buf[:2])
		packet := make([]byte, n)
		copy(packet, buf[:n])

		d.deliver(tid, packet)
	}
}

// deliver resolves tid to the waiting PendingQuery's Fingerprint and its attempt start time, then
// hands the packet to the handler. The Ts read happens before Deliver removes the entry, which is
// why this can't simply be handler.DeliverByTid — that call needs rtt supplied, and rtt can only be
// computed from the attempt's Ts, which only the table (not the wire) knows.
func (d *dispatcher) deliver(tid uint16, packet []byte) {
	fp, ok := d.h.Table.LookupByTid(tid)
	if !ok {
		return // Stray or already-resolved reply; silently dropped per the spec's late-reply handling
	}
	pq := d.h.Table.Lookup(fp)
	var rtt time.Duration
	if pq != nil {
		rtt = time.Since(pq.Ts)
	}

	if d.cacheWriter != nil {
		d.populateCache(fp, packet)
	}
	d.h.Deliver(fp, rtt, packet)
}

// populateCache stores packet under fp for the minimum TTL found in its answer section, so a later
// total-outage can still serve something for this question. Malformed or answerless packets are
// simply not cached.
func (d *dispatcher) populateCache(fp fingerprint.Fingerprint, packet []byte) {
	m := new(dns.Msg)
	if err := m.Unpack(packet); err != nil || len(m.Answer) == 0 {
		return
	}

	minTTL := m.Answer[0].Header().Ttl
	for _, rr := range m.Answer[1:] {
		if ttl := rr.Header().Ttl; ttl < minTTL {
			minTTL = ttl
		}
	}

	d.cacheWriter.Set(fp, packet, time.Duration(minTTL)*time.Second)
}

func (d *dispatcher) stop() {
	close(d.done)
	d.conn.Close()
}
