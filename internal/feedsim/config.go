package feedsim

import "time"

// Config holds configuration for a feed run.
type Config struct {
	BaseURL  string        // Base URL of the service
	Protocol string        // http, udp, tcp or websocket
	Target   string        // udp/tcp address to dial or websocket address to serve
	Frames   int           // Number of frames to stream
	Seed     int64         // Simulator seed
	Dialect  string        // nested or flat
	LapEvery int           // Frames per lap
	Interval time.Duration // Pause between frames
	Timeout  time.Duration // HTTP request timeout
	Settle   time.Duration // How long to wait for the service to catch up
	Switch   bool          // Switch the service's source before streaming
	Output   string        // JSONL file receiving the generated frames
	LogFile  string        // Log file for run output
	Verbose  bool          // Enable verbose logging
}

// Stats holds run statistics.
type Stats struct {
	FramesGenerated int
	FramesSent      int
	FramesRetried   int
	FramesFailed    int
	AcceptedBefore  uint64
	AcceptedAfter   uint64
	SequenceBefore  uint64
	SequenceAfter   uint64
	StartTime       time.Time
	EndTime         time.Time
	Duration        time.Duration
}
