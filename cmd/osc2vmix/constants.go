package main

import "time"

// Delivery defaults
const (
	defaultAttempts     = 3                      // Total attempts per command, including the first
	defaultRetryDelay   = 100 * time.Millisecond // Fixed pause between attempts
	defaultTimeout      = 1 * time.Second        // Per-attempt HTTP timeout
	defaultRateBurst    = 1                      // Burst for the optional outbound limiter
	maxResponseBodySize = 512                    // Bytes of response body kept for logs
)

// Network defaults
const (
	maxDatagramSize     = 65535            // Largest possible UDP payload
	defaultStatusListen = "127.0.0.1:8089" // vMix itself serves its web controller on 8088
	defaultSocketPath   = "/tmp/osc2vmix.sock"
)

// Status broadcast tuning
const (
	outcomeBufferSize  = 64                    // Worker -> broadcaster channel buffer
	faderCoalesceDelay = 50 * time.Millisecond // Latest-wins window for fader outcomes
)

// envPrefix namespaces environment overrides (OSC2VMIX_LISTEN, ...).
const envPrefix = "OSC2VMIX_"
