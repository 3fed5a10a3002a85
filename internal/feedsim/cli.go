package feedsim

import (
	"fmt"
	"io"
	"os"

	"github.com/okian/pitwall/pkg/logger"
)

const logFilePermission = 0o600

// SetupLogging sends logs to stdout and, when logFile is set, also to that
// file. The returned func closes the file.
func SetupLogging(logFile string) (func(), error) {
	if logFile == "" {
		return func() {}, logger.Init()
	}
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePermission)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}
	if err := logger.InitWithFormat("text", io.MultiWriter(os.Stdout, file)); err != nil {
		_ = file.Close()
		return nil, err
	}
	return func() { _ = file.Close() }, nil
}

// ShowHelp prints usage information for feed-sim.
func ShowHelp() {
	os.Stdout.WriteString(`Pitwall Feed Simulator
======================

Streams deterministic simulated telemetry into a running pitwall service
and verifies that the frames were ingested and committed.

Usage:
  go run ./cmd/feed-sim [options]

Options:
  -url string
        Base URL of the service (default "http://localhost:9080")
  -protocol string
        Feed transport: http, udp, tcp or websocket (default "http")
  -target string
        udp/tcp address the service listens on, or the address feed-sim
        serves websocket on (default "127.0.0.1:9700")
  -frames int
        Number of frames to stream (default 300)
  -seed int
        Simulator seed (default 7)
  -dialect string
        Wire layout: nested or flat (default "nested")
  -lap-every int
        Frames per lap (default 5)
  -interval duration
        Pause between frames (default 100ms)
  -switch
        Switch the service's source to this feed first (default true)
  -settle duration
        How long to wait for the service to catch up (default 10s)
  -output string
        Write the generated frames as JSONL for file replay
  -log string
        Also write logs to this file
  -verbose
        Enable verbose logging
  -help
        Show this help message

Examples:
  # Push 300 frames over HTTP
  go run ./cmd/feed-sim

  # Stream over TCP as fast as possible
  go run ./cmd/feed-sim -protocol tcp -target 127.0.0.1:9701 -interval 0

  # Serve a websocket feed in the flat dialect and keep a replay file
  go run ./cmd/feed-sim -protocol websocket -dialect flat -output race.jsonl
`)
}
