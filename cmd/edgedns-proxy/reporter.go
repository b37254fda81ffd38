package main

import (
	"fmt"

	"github.com/markdingo/edgedns/internal/concurrencytracker"
	"github.com/markdingo/edgedns/internal/pending"
	"github.com/markdingo/edgedns/internal/upstream"
)

// coreReporter implements reporter.Reporter over the resolution core's own view of its health,
// replacing the teacher's per-DoH-server request/latency/error line with the things that matter for a
// coalescing forwarder: how many clients are waiting, how concurrent inbound handling got, and which
// upstreams are currently live.
type coreReporter struct {
	name string
	tbl  *pending.Table
	reg  *upstream.Registry
	cct  *concurrencytracker.Counter
}

func newCoreReporter(name string, tbl *pending.Table, reg *upstream.Registry, cct *concurrencytracker.Counter) *coreReporter {
	return &coreReporter{name: name, tbl: tbl, reg: reg, cct: cct}
}

func (r *coreReporter) Name() string { return r.name }

func (r *coreReporter) Report(resetCounters bool) string {
	live := len(r.reg.SnapshotLive())
	offline := 0
	for range r.reg.OfflineAddrs() {
		offline++
	}

	return fmt.Sprintf("pending=%d waiting=%d peakConcurrency=%d upstreamsLive=%d upstreamsOffline=%d",
		r.tbl.Len(), r.tbl.WaitingClientCount(), r.cct.Peak(resetCounters), live, offline)
}
