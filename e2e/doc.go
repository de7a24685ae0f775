//go:build e2e

// Package e2e checks that Chrome and the RTCP feedback session understand
// each other on the wire.
//
// Chrome sends camera video to the chrome-interop server, whose session
// parses Chrome's SR and SDES and answers with receiver reports. A POST to
// /keyframe makes it send a PLI. The tests pass when Chrome's getStats
// shows remote-inbound-rtp built from our reports and a pliCount on its
// outbound stream.
//
// The e2e tag keeps them out of go test ./... because they launch a
// headless Chrome through go-rod, downloading it on first use:
//
//	go test -tags=e2e ./e2e/...
//
// Every test owns a server on a random port and its own browser. Browsers
// left behind by a panicking test are killed in TestMain.
package e2e
