//go:build e2e

package e2e

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-rod/rod"

	"github.com/thesyncim/rtcpfb/cmd/chrome-interop/server"
	"github.com/thesyncim/rtcpfb/pkg/rtcpfb/testutil"
)

// startCallJS drives the page's own call flow. startCall reports failures
// in the status line instead of rejecting, so the peer connection is
// checked afterwards.
const startCallJS = `() => startCall().then(() => {
	if (pc === null) {
		throw new Error(document.getElementById('status').textContent);
	}
	return pc.signalingState;
})`

// remoteInboundJS is truthy once Chrome built remote-inbound-rtp stats
// from our receiver reports.
const remoteInboundJS = `() => pc.getStats().then(stats => {
	let found = false;
	stats.forEach(report => {
		if (report.type === 'remote-inbound-rtp' && report.kind === 'video' &&
			report.packetsLost !== undefined) {
			found = true;
		}
	});
	return found;
})`

// pliCountJS resolves to the pliCount of the outbound video stream.
const pliCountJS = `() => pc.getStats().then(stats => {
	let count = 0;
	stats.forEach(report => {
		if (report.type === 'outbound-rtp' && report.kind === 'video') {
			count += report.pliCount || 0;
		}
	});
	return count;
})`

// TestChrome_AcceptsFeedback validates the session against Chrome:
// 1. Chrome's SR and SDES are parsed by the session
// 2. Chrome builds remote-inbound-rtp stats from our receiver reports
// 3. A PLI from the session shows up as pliCount on Chrome's sender
func TestChrome_AcceptsFeedback(t *testing.T) {
	srv, addr := startServer(t)

	browserCfg := testutil.DefaultBrowserConfig()
	client, err := testutil.NewBrowserClient(browserCfg)
	if err != nil {
		t.Fatalf("failed to create browser: %v", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			t.Errorf("browser close error: %v", err)
		}
	}()

	// Navigate using localhost (required for secure context / getUserMedia).
	// The server returns [::]:port format, we need localhost:port for Chrome.
	_, port, _ := net.SplitHostPort(addr)
	page, err := client.Navigate("http://localhost:" + port)
	if err != nil {
		t.Fatalf("failed to navigate: %v", err)
	}
	if err := client.WaitStable(); err != nil {
		t.Fatalf("page not stable: %v", err)
	}

	t.Log("Starting call...")
	result, err := page.Eval(startCallJS)
	if err != nil {
		t.Fatalf("failed to start WebRTC call: %v", err)
	}
	t.Logf("Signaling state after answer: %s", result.Value.String())

	if err := waitForConnection(t, page, 30*time.Second); err != nil {
		t.Fatalf("WebRTC connection failed: %v", err)
	}
	t.Log("WebRTC connection established")

	// Chrome sends an SR with SDES once media flows.
	stats, err := waitForServerStats(srv, 15*time.Second, func(s server.PeerStats) bool {
		return s.SenderReports && s.RemoteCNAME != "" && s.PacketsReceived > 0
	})
	if err != nil {
		t.Fatalf("server never parsed Chrome's reports: %v (last %+v)", err, stats)
	}
	t.Logf("Chrome: ssrc=%d cname=%q packets=%d sr-count=%d",
		stats.RemoteSSRC, stats.RemoteCNAME, stats.PacketsReceived, stats.SenderPacketCount)

	if err := client.WaitFor(remoteInboundJS, 15*time.Second); err != nil {
		t.Fatalf("Chrome did not accept our receiver reports: %v", err)
	}
	t.Log("Chrome reports remote-inbound-rtp from our receiver reports")

	rec := httptest.NewRecorder()
	srv.HandleKeyFrame(rec, httptest.NewRequest(http.MethodPost, "/keyframe", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("keyframe request failed: %d %s", rec.Code, rec.Body.String())
	}

	if err := client.WaitFor(`() => (`+pliCountJS+`)().then(n => n > 0)`, 10*time.Second); err != nil {
		t.Fatalf("Chrome never counted our PLI: %v", err)
	}

	final, err := waitForServerStats(srv, 5*time.Second, func(s server.PeerStats) bool {
		return s.Sent.PliPackets > 0
	})
	if err != nil {
		t.Fatalf("server did not count the PLI it sent: %v", err)
	}
	if final.SendFailures != 0 {
		t.Errorf("send failures: got %d, want 0", final.SendFailures)
	}
	if final.BrokenPackets != 0 {
		t.Errorf("broken RTCP from Chrome: got %d, want 0", final.BrokenPackets)
	}

	t.Log("Feedback E2E test passed: Chrome accepts RR, SDES and PLI from the session")
}

func startServer(t *testing.T) (*server.Server, string) {
	t.Helper()

	srv, err := server.NewServer(server.DefaultConfig())
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	addr, err := srv.Start()
	if err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			t.Errorf("server shutdown error: %v", err)
		}
	})
	t.Logf("Server started on %s", addr)
	return srv, addr
}

// waitForServerStats polls the single peer's stats until ok accepts them.
func waitForServerStats(srv *server.Server, timeout time.Duration, ok func(server.PeerStats) bool) (server.PeerStats, error) {
	var last server.PeerStats
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if stats := srv.Stats(); len(stats) == 1 {
			last = stats[0]
			if ok(last) {
				return last, nil
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	return last, fmt.Errorf("timeout after %v", timeout)
}

// waitForConnection polls pc.connectionState until "connected" or timeout.
func waitForConnection(t *testing.T, page *rod.Page, timeout time.Duration) error {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		result, err := page.Eval(`() => pc === null ? 'no-pc' : pc.connectionState`)
		if err != nil {
			return fmt.Errorf("failed to check connection state: %w", err)
		}

		switch state := result.Value.String(); state {
		case "connected":
			return nil
		case "failed":
			return errors.New("connection failed")
		case "closed":
			return errors.New("connection closed")
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for connection (waited %v)", timeout)
}
