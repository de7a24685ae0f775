// Chrome Interop Test Server
//
// This server creates a Pion WebRTC endpoint that receives video from Chrome
// and answers it with RTCP from an rtcpfb session: receiver reports, SDES,
// NACK and PLI on request. Use it to verify that Chrome accepts the feedback
// and reflects it in webrtc-internals.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/logging"
	"github.com/urfave/cli/v2"

	"github.com/thesyncim/rtcpfb/cmd/chrome-interop/server"
)

func main() {
	app := &cli.App{
		Name:  "chrome-interop",
		Usage: "WebRTC endpoint that answers Chrome with rtcpfb feedback",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: ":8080", Usage: "listen address"},
			&cli.StringFlag{Name: "cname", Value: server.DefaultConfig().CNAME, Usage: "CNAME sent in SDES"},
			&cli.Uint64Flag{Name: "remb", Usage: "announce this bitrate with REMB, 0 to disable"},
			&cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	factory := logging.NewDefaultLoggerFactory()
	if c.Bool("debug") {
		factory.DefaultLogLevel = logging.LogLevelDebug
	}

	cfg := server.DefaultConfig()
	cfg.Addr = c.String("addr")
	cfg.CNAME = c.String("cname")
	cfg.REMBBitrate = c.Uint64("remb")
	cfg.LoggerFactory = factory

	srv, err := server.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	addr, err := srv.Start()
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	fmt.Printf(`
Chrome Interop Test Server
==========================
1. Open chrome://webrtc-internals in Chrome
2. Open http://localhost%s in another tab
3. Click "Start Call"
4. Check remote-inbound-rtp and pliCount in webrtc-internals

Listening on %s (stats at /stats, metrics at /metrics)
`, cfg.Addr, addr)

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
