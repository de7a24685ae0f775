// Soak test runner for long-duration RTCP feedback testing.
//
// Two sessions exchange media and RTCP over an emulated link with delay and
// loss. The run watches round-trip time, NACK and PLI delivery, send
// failures and heap growth over extended periods (up to 24 hours or more).
//
// Usage:
//
//	go run ./cmd/soak --duration 24h
//	go run ./cmd/soak --config scenario.yaml
//
// Exposes pprof and Prometheus metrics at :6060 for live profiling:
//
//	curl http://localhost:6060/debug/pprof/heap > heap.pprof
//	curl http://localhost:6060/metrics
package main

import (
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Enable pprof endpoints
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
)

var flags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Usage:   "path to a YAML scenario file",
		EnvVars: []string{"SOAK_CONFIG"},
	},
	&cli.DurationFlag{
		Name:  "duration",
		Usage: "test duration, overrides the scenario (e.g. 1h, 24h)",
	},
	&cli.DurationFlag{
		Name:  "delay",
		Usage: "one-way link delay, overrides the scenario",
	},
	&cli.Float64Flag{
		Name:  "loss",
		Usage: "media loss rate in [0, 1), overrides the scenario",
	},
	&cli.StringFlag{
		Name:  "http",
		Value: ":6060",
		Usage: "address for pprof and /metrics, empty to disable",
	},
	&cli.StringFlag{
		Name:  "log-level",
		Value: "warn",
		Usage: "session log level (trace, debug, info, warn, error)",
	},
}

func main() {
	app := &cli.App{
		Name:   "soak",
		Usage:  "long-running loopback test of two RTCP feedback sessions",
		Flags:  flags,
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func scenarioFromContext(c *cli.Context) (Scenario, error) {
	sc, err := LoadScenario(c.String("config"))
	if err != nil {
		return sc, err
	}
	if c.IsSet("duration") {
		sc.Duration = c.Duration("duration")
	}
	if c.IsSet("delay") {
		sc.OneWayDelay = c.Duration("delay")
	}
	if c.IsSet("loss") {
		sc.LossRate = c.Float64("loss")
	}
	return sc, sc.Validate()
}

func loggerFactory(level string) (logging.LoggerFactory, error) {
	factory := logging.NewDefaultLoggerFactory()
	switch level {
	case "trace":
		factory.DefaultLogLevel = logging.LogLevelTrace
	case "debug":
		factory.DefaultLogLevel = logging.LogLevelDebug
	case "info":
		factory.DefaultLogLevel = logging.LogLevelInfo
	case "warn":
		factory.DefaultLogLevel = logging.LogLevelWarn
	case "error":
		factory.DefaultLogLevel = logging.LogLevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	return factory, nil
}

func run(c *cli.Context) error {
	sc, err := scenarioFromContext(c)
	if err != nil {
		return err
	}
	factory, err := loggerFactory(c.String("log-level"))
	if err != nil {
		return err
	}

	fmt.Printf("RTCP Feedback Soak Test Runner\n")
	fmt.Printf("==============================\n")
	fmt.Printf("Duration:  %v\n", sc.Duration)
	fmt.Printf("Link:      %v one-way, %.1f%% loss\n", sc.OneWayDelay, sc.LossRate*100)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	if addr := c.String("http"); addr != "" {
		fmt.Printf("Pprof:     http://localhost%s/debug/pprof/\n", addr)
		fmt.Printf("Metrics:   http://localhost%s/metrics\n", addr)
		http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		srv := &http.Server{Addr: addr, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fmt.Printf("Warning: http server failed: %v\n", err)
			}
		}()
		defer srv.Close()
	}
	fmt.Printf("\n")

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("[%s] Starting soak test...\n", formatDuration(0))
	result, err := runSoak(ctx, sc, reg, factory)
	if err != nil {
		return err
	}
	printSummary(result)

	if result.Status != "PASS" {
		return cli.Exit("soak test failed", 1)
	}
	return nil
}

func printSummary(result SoakResult) {
	fmt.Printf("\n")
	fmt.Printf("Soak Test Complete\n")
	fmt.Printf("==================\n")
	fmt.Printf("Duration:           %v\n", result.Duration.Round(time.Second))
	fmt.Printf("Packets sent:       %d\n", result.PacketsSent)
	fmt.Printf("Packets dropped:    %d\n", result.PacketsDropped)
	fmt.Printf("NACKed:             %d\n", result.NacksReceived)
	fmt.Printf("Retransmissions:    %d\n", result.Retransmissions)
	fmt.Printf("Key frame requests: %d\n", result.KeyFrameRequests)
	fmt.Printf("RTT avg/min/max:    %v / %v / %v (%d samples)\n",
		result.RTT.Avg, result.RTT.Min, result.RTT.Max, result.RTT.Samples)
	fmt.Printf("XR RTT:             %v\n", result.XrRTT)
	fmt.Printf("Reported loss:      %d/256, cumulative %d\n", result.LastReport.FractionLost, result.LastReport.CumulativeLost)
	if result.Estimate > 0 {
		fmt.Printf("Bitrate bound:      %.2f Mbps\n", float64(result.Estimate)/1e6)
	}
	fmt.Printf("Send failures:      %d\n", result.SendFailures)
	fmt.Printf("Peak HeapAlloc:     %.2f MB\n", result.PeakHeapMB)
	fmt.Printf("Status:             %s\n", result.Status)
	for _, f := range result.Failures {
		fmt.Printf("  - %s\n", f)
	}
}

func formatDuration(d time.Duration) string {
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
