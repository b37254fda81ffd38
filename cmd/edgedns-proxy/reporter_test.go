package main

import (
	"net"
	"testing"

	"github.com/markdingo/edgedns/internal/concurrencytracker"
	"github.com/markdingo/edgedns/internal/pending"
	"github.com/markdingo/edgedns/internal/upstream"

	"github.com/stretchr/testify/require"
)

func TestCoreReporterReportsLiveAndOfflineCounts(t *testing.T) {
	addr1, err := net.ResolveUDPAddr("udp", "192.0.2.1:53")
	require.NoError(t, err)
	addr2, err := net.ResolveUDPAddr("udp", "192.0.2.2:53")
	require.NoError(t, err)

	reg := upstream.New([]*net.UDPAddr{addr1, addr2})
	for i := 0; i < 10; i++ {
		reg.RecordFailure(addr2)
	}

	tbl := pending.NewTable(10)
	var cct concurrencytracker.Counter
	cct.Add()
	cct.Add()
	cct.Done()

	r := newCoreReporter("core", tbl, reg, &cct)
	require.Equal(t, "core", r.Name())

	line := r.Report(false)
	require.Contains(t, line, "upstreamsLive=1")
	require.Contains(t, line, "upstreamsOffline=1")
	require.Contains(t, line, "peakConcurrency=2")
}
