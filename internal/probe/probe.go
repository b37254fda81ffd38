/*
Package probe implements ProbeSender: an opportunistic, rate-limited side-channel send to a
previously-offline upstream, piggy-backed on a live client query so offline servers get a recovery
path without a dedicated background poller blocking user traffic.
*/
package probe

import (
	"math/rand"
	"net"
	"time"

	"github.com/markdingo/edgedns/internal/constants"
	"github.com/markdingo/edgedns/internal/upstream"
)

// Socket is the minimal outbound send capability ProbeSender needs. Satisfied by the same
// net.UDPConn wrapper the handler package uses for primary sends.
type Socket interface {
	SendTo(addr *net.UDPAddr, packet []byte) error
}

// Sender sends at most one rate-limited probe per call to Send.
type Sender struct {
	minDelay time.Duration
}

// New constructs a Sender using the compiled-in constants.UpstreamProbesDelayMs as its minimum spacing
// between probes to the same offline server; the config file's upstream_probes_delay_ms is not read.
func New() *Sender {
	consts := constants.Get()

	return &Sender{minDelay: time.Duration(consts.UpstreamProbesDelayMs) * time.Millisecond}
}

// Send probes one offline server drawn from candidates, if any are due. Returns the probed address
// (so the caller's PendingQuery can record it for response matching) or nil if no probe was sent —
// either because no candidate is offline, or the one chosen is still inside its rate-limit window.
// A send error is returned for observability but is never fatal to the caller's primary attempt.
func (s *Sender) Send(reg *upstream.Registry, candidates []*net.UDPAddr, packet []byte, sock Socket, now time.Time) (*net.UDPAddr, error) {
	offline := intersectOffline(reg.OfflineAddrs(), candidates)
	if len(offline) == 0 {
		return nil, nil
	}

	chosen := offline[rand.Intn(len(offline))]
	if !reg.TryProbe(chosen, now, s.minDelay) {
		return nil, nil
	}

	if err := sock.SendTo(chosen, packet); err != nil {
		return nil, err
	}

	return chosen, nil
}

// intersectOffline restricts offline to those addresses also named in candidates. An empty candidates
// list means "no restriction" — consistent with handler.intersectCandidates' convention — since an
// empty candidate set is the typical, unrestricted case a real client query arrives with, not a
// deliberate request to probe nothing.
func intersectOffline(offline, candidates []*net.UDPAddr) []*net.UDPAddr {
	if len(candidates) == 0 {
		return offline
	}

	candidateSet := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		candidateSet[c.String()] = true
	}

	var out []*net.UDPAddr
	for _, o := range offline {
		if candidateSet[o.String()] {
			out = append(out, o)
		}
	}

	return out
}
