package main

import (
	"fmt"
	"net"
	"time"

	"github.com/markdingo/edgedns/internal/config"
	"github.com/markdingo/edgedns/internal/dnscodec"
	"github.com/markdingo/edgedns/internal/fingerprint"

	"github.com/miekg/dns"
	"github.com/spf13/cobra"
)

var probeStatusOpts struct {
	configPath string
	timeout    time.Duration
}

// probeStatusCmd is a one-shot diagnostic independent of a running serve process: it sends a single
// query directly to each configured upstream and reports whether it answered, without touching the
// pending table, load balancer, or any in-process health state.
var probeStatusCmd = &cobra.Command{
	Use:   "probe-status",
	Short: "Send one query to every configured upstream and report its reachability",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProbeStatus(cmd, probeStatusOpts.configPath, probeStatusOpts.timeout)
	},
}

func init() {
	probeStatusCmd.Flags().StringVar(&probeStatusOpts.configPath, "config",
		"/etc/edgedns-proxy/edgedns.toml", "Path to TOML configuration file")
	probeStatusCmd.Flags().DurationVar(&probeStatusOpts.timeout, "timeout",
		2*time.Second, "Per-upstream read timeout")
	rootCmd.AddCommand(probeStatusCmd)
}

func runProbeStatus(cmd *cobra.Command, configPath string, timeout time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("probe-status: %w", err)
	}

	nq := fingerprint.NormalizedQuestion{Qname: ".", Qtype: dns.TypeNS, Qclass: dns.ClassINET}

	out := cmd.OutOrStdout()
	for _, addr := range cfg.Upstream.Addresses {
		rtt, err := probeOne(addr, nq, timeout)
		if err != nil {
			fmt.Fprintf(out, "%-22s UNREACHABLE (%s)\n", addr, err)

			continue
		}
		fmt.Fprintf(out, "%-22s OK rtt=%s\n", addr, rtt)
	}

	return nil
}

func probeOne(addr string, nq fingerprint.NormalizedQuestion, timeout time.Duration) (time.Duration, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return 0, err
	}

	packet, _, err := dnscodec.BuildQueryPacket(nq, false)
	if err != nil {
		return 0, err
	}

	conn, err := net.DialUDP("udp", nil, ua)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(timeout))
	sent := time.Now()
	if _, err := conn.Write(packet); err != nil {
		return 0, err
	}

	buf := make([]byte, 4096)
	if _, err := conn.Read(buf); err != nil {
		return 0, err
	}

	return time.Since(sent), nil
}
