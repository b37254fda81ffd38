package main

import (
	"log/slog"
	"net"

	"github.com/markdingo/edgedns/internal/concurrencytracker"
	"github.com/markdingo/edgedns/internal/fingerprint"
	"github.com/markdingo/edgedns/internal/handler"

	"github.com/miekg/dns"
)

// inboundPacket is handed from a listener's recvLoop to its worker pool. buf is sized to the read and
// owned solely by the worker that receives it off the channel.
type inboundPacket struct {
	buf  []byte
	from *net.UDPAddr
}

// clientReply is the pending.ResponseWriter bound to one inbound client query: it remembers which UDP
// socket the query arrived on and which address to write the eventual answer back to.
type clientReply struct {
	conn *net.UDPConn
	from *net.UDPAddr
}

func (c *clientReply) Write(packet []byte) error {
	_, err := c.conn.WriteToUDP(packet, c.from)

	return err
}

// listener owns one inbound UDP socket (opened with SO_REUSEPORT so several listeners can share a
// single configured address) and a fixed pool of worker goroutines that each fully drive one client
// query's Ingest call to completion before picking up the next packet. This mirrors HydraDNS's
// recvLoop/workerLoop split: one goroutine does nothing but recvfrom and hand off, bounding how much
// work happens inside the syscall-heavy read path.
type listener struct {
	conn    *net.UDPConn
	h       *handler.Handler
	workers int
	log     *slog.Logger
	queue   chan inboundPacket
	done    chan struct{}
	cct     *concurrencytracker.Counter // Shared with the reporter; tracks concurrent Ingest calls
}

func newListener(conn *net.UDPConn, h *handler.Handler, workers int, log *slog.Logger, cct *concurrencytracker.Counter) *listener {
	return &listener{
		conn:    conn,
		h:       h,
		workers: workers,
		log:     log,
		queue:   make(chan inboundPacket, workers*4),
		done:    make(chan struct{}),
		cct:     cct,
	}
}

// run starts the recv loop and the worker pool, returning once stop() closes the socket.
func (l *listener) run() {
	for i := 0; i < l.workers; i++ {
		go l.workerLoop()
	}
	l.recvLoop()
}

func (l *listener) recvLoop() {
	buf := make([]byte, 65535)
	for {
		n, from, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-l.done:
				return
			default:
				l.log.Debug("inbound read error", "error", err)

				return
			}
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])

		select {
		case l.queue <- inboundPacket{buf: pkt, from: from}:
		default:
			l.log.Warn("dropping inbound query, worker pool saturated")
		}
	}
}

func (l *listener) workerLoop() {
	for pkt := range l.queue {
		l.handle(pkt)
	}
}

func (l *listener) handle(pkt inboundPacket) {
	msg := new(dns.Msg)
	if err := msg.Unpack(pkt.buf); err != nil {
		l.log.Debug("discarding unparseable inbound packet", "from", pkt.from, "error", err)

		return
	}
	if len(msg.Question) == 0 {
		return
	}

	nq := fingerprint.New(msg)
	reply := &clientReply{conn: l.conn, from: pkt.from}
	l.cct.Add()
	defer l.cct.Done()
	l.h.Ingest(nq, msg, nil, reply)
}

func (l *listener) stop() {
	close(l.done)
	l.conn.Close()
	close(l.queue)
}
