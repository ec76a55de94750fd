package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/probelab/netdash/internal/aggregate"
	"github.com/probelab/netdash/internal/logging"
	"github.com/probelab/netdash/internal/metrics"
	"github.com/probelab/netdash/internal/record"
	"github.com/probelab/netdash/internal/session"
	"github.com/probelab/netdash/internal/transport"
)

const maxExpandedPorts = 4096

var (
	scanTarget   string
	scanPorts    string
	scanDuration time.Duration
	scanTimeout  time.Duration
	scanPullOnly bool
)

// scanCmd runs one scan session to completion and prints the results.
var scanCmd = &cobra.Command{
	Use:   "scan [tool]",
	Short: "Run a single scan session and print the results",
	Long: `Run one scan session against the configured agent and print the
deduplicated results when it finishes.

Available tools: ping, traceroute, port_scan, subnet_scan, device_discovery,
wifi_scan, packet_capture, syslog.`,
	Example: `  netdash scan subnet_scan --target 192.168.1.0/24
  netdash scan port_scan --target 192.168.1.10 --ports "22,80,443"
  netdash scan device_discovery --duration 15s
  netdash scan wifi_scan`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().StringVar(&scanTarget, "target", "", "Target host, IP, or CIDR (tool-dependent)")
	scanCmd.Flags().StringVar(&scanPorts, "ports", "", "Ports to scan: '80,443' or '1-1000'")
	scanCmd.Flags().DurationVar(&scanDuration, "duration", 0, "Scan window for fixed-duration tools")
	scanCmd.Flags().DurationVar(&scanTimeout, "timeout", 0, "Per-probe timeout forwarded to the agent")
	scanCmd.Flags().BoolVar(&scanPullOnly, "pull-only", false, "Skip the push channel and use the request/response path")
}

func runScan(cmd *cobra.Command, args []string) error {
	tool := session.ToolKind(args[0])
	if !tool.Valid() {
		return fmt.Errorf("unknown tool %q", args[0])
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := logging.Default()

	spec := session.ScanSpec{
		Tool:        tool,
		Target:      scanTarget,
		Duration:    scanDuration,
		Concurrency: cfg.Scanning.DefaultConcurrency,
		Timeout:     scanTimeout,
	}
	if spec.Timeout == 0 {
		spec.Timeout = cfg.Scanning.ProbeTimeout
	}
	if scanPorts != "" {
		ports, err := parsePortList(scanPorts)
		if err != nil {
			return fmt.Errorf("invalid port specification %q: %w", scanPorts, err)
		}
		spec.Ports = ports
	} else if tool == session.ToolPortScan {
		spec.Ports = cfg.Scanning.DefaultPorts
	}
	if spec.Duration == 0 && scanDuration == 0 {
		spec.Duration = cfg.Scanning.ScanWindow
	}

	m := metrics.NewRegistry()

	var push session.PushChannel
	if !scanPullOnly && cfg.Agent.PushURL != "" {
		conn := transport.NewConn(cfg.Agent.PushURL, logger, m)
		dialCtx, cancel := context.WithTimeout(cmd.Context(), cfg.Agent.DialTimeout)
		err := conn.Connect(dialCtx)
		cancel()
		if err != nil {
			logger.Warn("push channel unavailable, using pull path", "error", err)
		} else {
			defer func() { _ = conn.Close() }()
			push = conn
		}
	}
	pull := transport.NewPullClient(cfg.Agent.PullURL, cfg.Agent.RequestTimeout, logger)

	updates := make(chan session.Update, 64)
	engine := session.NewEngine(session.EngineOptions{
		Push:     push,
		Pull:     pull,
		Logger:   logger,
		Metrics:  m,
		Cooldown: cfg.Scanning.Cooldown,
		OnUpdate: func(u session.Update) {
			select {
			case updates <- u:
			default:
			}
		},
	})
	defer engine.Close()

	snap, err := engine.Start(spec)
	if err != nil {
		return err
	}
	fmt.Printf("Session %s started (%s)\n", snap.ID, tool)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "Cancelling...")
			_ = engine.Cancel(tool)
		case upd := <-updates:
			if upd.Session.ID != snap.ID {
				continue
			}
			if verbose && upd.Session.Status == session.StatusRunning {
				fmt.Fprintf(os.Stderr, "progress: %.0f%% (%d records)\n",
					upd.Session.Progress.Percent, upd.RecordCount)
			}
			if upd.Session.Status.Terminal() {
				return reportScan(tool, upd.Session, engine.Records(tool), engine.Devices(tool))
			}
		}
	}
}

// reportScan prints the terminal session summary and result tables.
func reportScan(tool session.ToolKind, snap session.Session, records []record.Record, devices []aggregate.Device) error {
	fmt.Printf("\nSession %s: %s\n", snap.ID, snap.Status)
	fmt.Printf("Elapsed: %.1fs, records: %d\n", snap.Progress.ElapsedSeconds, len(records))

	switch snap.Status {
	case session.StatusFailed:
		fmt.Fprintf(os.Stderr, "Error: %s\n", snap.Error)
	case session.StatusRateLimited:
		fmt.Fprintf(os.Stderr, "Agent is rate limiting; retry in %.0fs\n", snap.CooldownSeconds)
	}

	if len(records) > 0 {
		fmt.Println()
		displayRecords(records)
	}
	if tool == session.ToolDeviceDiscovery && len(devices) > 0 {
		fmt.Println()
		displayDevices(devices)
	}

	if snap.Status == session.StatusFailed || snap.Status == session.StatusRateLimited {
		return fmt.Errorf("session %s", snap.Status)
	}
	return nil
}

// displayRecords renders the record list grouped by kind.
func displayRecords(records []record.Record) {
	var hosts []record.HostRecord
	var services []record.MdnsServiceRecord
	var upnp []record.UpnpDeviceRecord
	var wifi []record.WifiNetworkRecord
	var ports []record.OpenPortRecord

	for _, r := range records {
		switch rec := r.(type) {
		case record.HostRecord:
			hosts = append(hosts, rec)
		case record.MdnsServiceRecord:
			services = append(services, rec)
		case record.UpnpDeviceRecord:
			upnp = append(upnp, rec)
		case record.WifiNetworkRecord:
			wifi = append(wifi, rec)
		case record.OpenPortRecord:
			ports = append(ports, rec)
		}
	}

	if len(hosts) > 0 {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("IP Address", "Hostname", "MAC", "Vendor", "RTT")
		for _, h := range hosts {
			_ = table.Append([]string{
				h.IPAddress, h.Hostname, h.MACAddress, h.Vendor,
				fmt.Sprintf("%.1fms", h.RTTMillis),
			})
		}
		_ = table.Render()
	}
	if len(services) > 0 {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Service", "Type", "Host", "Port")
		for _, s := range services {
			_ = table.Append([]string{
				s.ServiceName, s.ServiceType, s.Hostname, strconv.Itoa(s.Port),
			})
		}
		_ = table.Render()
	}
	if len(upnp) > 0 {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Name", "Device Type", "Source IP", "USN")
		for _, d := range upnp {
			_ = table.Append([]string{d.FriendlyName, d.DeviceType, d.SourceIP, d.USN})
		}
		_ = table.Render()
	}
	if len(wifi) > 0 {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("SSID", "BSSID", "Channel", "Band", "Signal", "Security")
		for _, n := range wifi {
			_ = table.Append([]string{
				n.SSID, n.BSSID, strconv.Itoa(n.Channel), n.Band,
				fmt.Sprintf("%d%%", n.SignalStrengthPercent), n.SecurityType,
			})
		}
		_ = table.Render()
	}
	if len(ports) > 0 {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Port", "Service")
		for _, p := range ports {
			_ = table.Append([]string{strconv.Itoa(p.Port), p.ServiceName})
		}
		_ = table.Render()
	}
}

// displayDevices renders the aggregated per-device view.
func displayDevices(devices []aggregate.Device) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Device", "IP Address", "Protocol", "Hostnames", "Ports")
	for _, d := range devices {
		portStrs := make([]string, 0, len(d.Ports))
		for _, p := range d.Ports {
			portStrs = append(portStrs, strconv.Itoa(p))
		}
		_ = table.Append([]string{
			d.DisplayName, d.IPAddress, string(d.Protocol),
			strings.Join(d.Hostnames, ", "), strings.Join(portStrs, ","),
		})
	}
	_ = table.Render()
}

// parsePortList expands a comma-separated port specification, with ranges
// like "1-1000", into a sorted unique port list.
func parsePortList(spec string) ([]int, error) {
	seen := make(map[int]struct{})
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "-") {
			bounds := strings.SplitN(part, "-", 2)
			start, err := strconv.Atoi(strings.TrimSpace(bounds[0]))
			if err != nil {
				return nil, fmt.Errorf("invalid start port in range %q", part)
			}
			end, err := strconv.Atoi(strings.TrimSpace(bounds[1]))
			if err != nil {
				return nil, fmt.Errorf("invalid end port in range %q", part)
			}
			if start < 1 || end > 65535 || start > end {
				return nil, fmt.Errorf("invalid port range %q", part)
			}
			for p := start; p <= end; p++ {
				seen[p] = struct{}{}
			}
		} else {
			p, err := strconv.Atoi(part)
			if err != nil || p < 1 || p > 65535 {
				return nil, fmt.Errorf("invalid port %q", part)
			}
			seen[p] = struct{}{}
		}
		if len(seen) > maxExpandedPorts {
			return nil, fmt.Errorf("port specification expands past %d ports", maxExpandedPorts)
		}
	}
	if len(seen) == 0 {
		return nil, fmt.Errorf("empty port specification")
	}

	ports := make([]int, 0, len(seen))
	for p := range seen {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports, nil
}
