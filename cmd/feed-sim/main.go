package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/okian/pitwall/internal/adapters/source"
	"github.com/okian/pitwall/internal/feedsim"
)

// Default configuration constants.
const (
	defaultFrames   = 300
	defaultSeed     = 7
	defaultLapEvery = 5
	defaultInterval = 100 * time.Millisecond
	defaultTimeout  = 10 * time.Second
	defaultSettle   = 10 * time.Second
	defaultRunLimit = 30 * time.Minute
)

func main() {
	var (
		baseURL  = flag.String("url", "http://localhost:9080", "Base URL of the service")
		protocol = flag.String("protocol", "http", "Feed transport: http, udp, tcp or websocket")
		target   = flag.String("target", "127.0.0.1:9700", "udp/tcp address to dial or websocket address to serve")
		frames   = flag.Int("frames", defaultFrames, "Number of frames to stream")
		seed     = flag.Int64("seed", defaultSeed, "Simulator seed")
		dialect  = flag.String("dialect", source.DialectNested, "Wire layout: nested or flat")
		lapEvery = flag.Int("lap-every", defaultLapEvery, "Frames per lap")
		interval = flag.Duration("interval", defaultInterval, "Pause between frames")
		timeout  = flag.Duration("timeout", defaultTimeout, "HTTP request timeout")
		settle   = flag.Duration("settle", defaultSettle, "How long to wait for the service to catch up")
		doSwitch = flag.Bool("switch", true, "Switch the service's source to this feed first")
		output   = flag.String("output", "", "Write generated frames as JSONL for file replay")
		logFile  = flag.String("log", "", "Also write logs to this file")
		verbose  = flag.Bool("verbose", false, "Enable verbose logging")
		help     = flag.Bool("help", false, "Show help")
	)
	flag.Parse()

	if *help {
		feedsim.ShowHelp()
		return
	}

	closeLog, err := feedsim.SetupLogging(*logFile)
	if err != nil {
		os.Stderr.WriteString("Failed to setup logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, defaultRunLimit)
	defer cancel()

	cfg := &feedsim.Config{
		BaseURL:  *baseURL,
		Protocol: *protocol,
		Target:   *target,
		Frames:   *frames,
		Seed:     *seed,
		Dialect:  *dialect,
		LapEvery: *lapEvery,
		Interval: *interval,
		Timeout:  *timeout,
		Settle:   *settle,
		Switch:   *doSwitch,
		Output:   *output,
		LogFile:  *logFile,
		Verbose:  *verbose,
	}

	if _, err := feedsim.Run(ctx, cfg); err != nil {
		os.Stderr.WriteString("Feed failed: " + err.Error() + "\n")
		os.Exit(1)
	}
}
