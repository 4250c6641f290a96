package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

const version = "1.0.0"

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "osc2vmix v%s\n", version)
	fmt.Fprintln(w, "OSC to vMix HTTP API bridge")
}

func printUsage(w io.Writer) {
	printVersion(w)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  osc2vmix [OPTIONS] LISTEN-ADDR DEVICE-ADDR")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "DESCRIPTION:")
	fmt.Fprintln(w, "  Receives OSC messages on LISTEN-ADDR (UDP host:port) and forwards them")
	fmt.Fprintln(w, "  as vMix HTTP API calls to DEVICE-ADDR (host:port of the web controller).")
	fmt.Fprintln(w, "  Commands are delivered one at a time, in arrival order, with retries.")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  Both addresses may instead come from the config file (osc.listen,")
	fmt.Fprintln(w, "  vmix.address) or the environment (OSC2VMIX_LISTEN, OSC2VMIX_DEVICE).")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "OSC ADDRESSES:")
	fmt.Fprintln(w, "  /fader <int|float>          Set the T-bar (0-255)")
	fmt.Fprintln(w, "  /cut <input>                Cut input directly to output")
	fmt.Fprintln(w, "  /preview <input>            Put input into preview")
	fmt.Fprintln(w, "  /quickplay                  Quick Play")
	fmt.Fprintln(w, "  /ftb                        Fade To Black")
	fmt.Fprintln(w, "  /restart <input>            Restart input")
	fmt.Fprintln(w, "  /nextitem <input>           Next list item")
	fmt.Fprintln(w, "  /previousitem <input>       Previous list item")
	fmt.Fprintln(w, "  /raw <query>                Send a raw API query, e.g. Function=Fade&Duration=500")
	fmt.Fprintln(w, "  Only the last address segment is matched (/vmix/cut works too).")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "OPTIONS:")
	fmt.Fprintln(w, "  -config string")
	fmt.Fprintln(w, "        YAML config file")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  -osc-prefix string")
	fmt.Fprintln(w, "        Only accept addresses under this prefix, e.g. /vmix")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  -allow-raw")
	fmt.Fprintln(w, "        Accept /raw passthrough messages (default true)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  -vmix-timeout-ms int")
	fmt.Fprintf(w, "        Per-attempt HTTP timeout in ms (default %d)\n", defaultTimeout.Milliseconds())
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  -attempts int")
	fmt.Fprintf(w, "        Attempts per command, including the first (default %d)\n", defaultAttempts)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  -retry-delay-ms int")
	fmt.Fprintf(w, "        Pause between attempts in ms (default %d)\n", defaultRetryDelay.Milliseconds())
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  -rate-limit float")
	fmt.Fprintln(w, "        Maximum outbound requests per second, 0 = unlimited (default 0)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  -rate-burst int")
	fmt.Fprintf(w, "        Burst size for -rate-limit (default %d)\n", defaultRateBurst)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  -queue-capacity int")
	fmt.Fprintln(w, "        Maximum queued commands, 0 = unbounded (default 0)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  -queue-overflow string")
	fmt.Fprintln(w, "        When the queue is full: drop-newest|drop-oldest|block (default \"drop-newest\")")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  -ipc-socket string")
	fmt.Fprintf(w, "        Unix socket for local command injection, e.g. %q (default off)\n", defaultSocketPath)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  -status-listen string")
	fmt.Fprintf(w, "        host:port for /healthz and /ws/status, e.g. %q (default off)\n", defaultStatusListen)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  -log-level string")
	fmt.Fprintln(w, "        Log level: error, warn, info, debug (default \"info\")")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  -version")
	fmt.Fprintln(w, "        Print version and exit")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  -help")
	fmt.Fprintln(w, "        Print this help message")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "EXAMPLES:")
	fmt.Fprintln(w, "  # Bridge a control surface on the local network to vMix")
	fmt.Fprintln(w, "  osc2vmix 0.0.0.0:9000 192.168.1.50:8088")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  # Use a config file and expose the status endpoint")
	fmt.Fprintln(w, "  osc2vmix -config ~/.config/osc2vmix.yaml -status-listen 127.0.0.1:8089")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "NOTES:")
	fmt.Fprintln(w, "  - /raw forwards anything it is given; bind to loopback or set -allow-raw=false")
	fmt.Fprintln(w, "    if the OSC port is reachable by untrusted hosts.")
	fmt.Fprintln(w)
}

func main() {
	// Check for version/help early, before any validation
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			printVersion(os.Stdout)
			return
		}
		if arg == "-help" || arg == "--help" || arg == "-h" {
			printUsage(os.Stdout)
			return
		}
	}

	cfg, err := buildConfig(os.Args[1:], nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		fmt.Fprintln(os.Stderr)
		printUsage(os.Stderr)
		os.Exit(1)
	}

	level, _ := parseLogLevel(cfg.Logging.Level) // checked by Validate
	logger := setupLogger(os.Stdout, level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("osc2vmix stopped", "error", err)
		stop()
		os.Exit(1)
	}
}

// buildConfig layers defaults, config file, environment, flags and positional
// arguments, then validates the result. A nil environ reads the process environment.
func buildConfig(args []string, environ map[string]string) (Config, error) {
	fs := flag.NewFlagSet("osc2vmix", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configPath    = fs.String("config", "", "YAML config file")
		oscPrefix     = fs.String("osc-prefix", "", "Only accept addresses under this prefix")
		allowRaw      = fs.Bool("allow-raw", true, "Accept /raw passthrough messages")
		vmixTimeoutMS = fs.Int("vmix-timeout-ms", int(defaultTimeout.Milliseconds()), "Per-attempt HTTP timeout in ms")
		attempts      = fs.Int("attempts", defaultAttempts, "Attempts per command")
		retryDelayMS  = fs.Int("retry-delay-ms", int(defaultRetryDelay.Milliseconds()), "Pause between attempts in ms")
		rateLimit     = fs.Float64("rate-limit", 0, "Maximum outbound requests per second")
		rateBurst     = fs.Int("rate-burst", defaultRateBurst, "Burst size for -rate-limit")
		queueCapacity = fs.Int("queue-capacity", 0, "Maximum queued commands, 0 = unbounded")
		queueOverflow = fs.String("queue-overflow", string(OverflowDropNewest), "drop-newest|drop-oldest|block")
		ipcSocket     = fs.String("ipc-socket", "", "Unix socket for command injection")
		statusListen  = fs.String("status-listen", "", "host:port for the status server")
		logLevel      = fs.String("log-level", "info", "Log level: error, warn, info, debug")
	)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := DefaultConfig()
	if *configPath != "" {
		loaded, err := LoadConfigFile(*configPath)
		if err != nil {
			return Config{}, err
		}
		cfg = loaded
	}

	envOverrides, err := LoadEnvOverrides(environ)
	if err != nil {
		return Config{}, err
	}
	envOverrides.Apply(&cfg)

	// Only flags given explicitly override the file and environment.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	var o FlagOverrides
	if set["osc-prefix"] {
		o.OSCAddressPrefix = oscPrefix
	}
	if set["allow-raw"] {
		o.OSCAllowRaw = allowRaw
	}
	if set["vmix-timeout-ms"] {
		o.VmixTimeoutMS = vmixTimeoutMS
	}
	if set["attempts"] {
		o.DeliveryAttempts = attempts
	}
	if set["retry-delay-ms"] {
		o.DeliveryRetryDelayMS = retryDelayMS
	}
	if set["rate-limit"] {
		o.DeliveryRateLimit = rateLimit
	}
	if set["rate-burst"] {
		o.DeliveryRateBurst = rateBurst
	}
	if set["queue-capacity"] {
		o.QueueCapacity = queueCapacity
	}
	if set["queue-overflow"] {
		o.QueueOverflow = queueOverflow
	}
	if set["ipc-socket"] {
		o.IPCSocketPath = ipcSocket
	}
	if set["status-listen"] {
		o.StatusListen = statusListen
	}
	if set["log-level"] {
		o.LogLevel = logLevel
	}

	switch rest := fs.Args(); len(rest) {
	case 0:
	case 2:
		o.OSCListen = &rest[0]
		o.VmixAddress = &rest[1]
	default:
		return Config{}, fmt.Errorf("expected LISTEN-ADDR DEVICE-ADDR, got %d argument(s)", len(rest))
	}
	o.Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// run binds every listener, starts the pipeline and blocks until ctx is
// canceled (nil) or the OSC socket fails (error).
func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn, err := net.ListenPacket("udp", cfg.OSC.Listen)
	if err != nil {
		return fmt.Errorf("bind OSC listener: %w", err)
	}
	defer conn.Close()

	stats := &Stats{}
	queue := NewQueue(cfg.Queue.Capacity, OverflowPolicy(cfg.Queue.Overflow))
	pipeline := NewPipeline(NewDecoder(cfg.OSC.AddressPrefix, cfg.OSC.AllowRaw), queue, stats, logger)
	snapshot := func() StatsSnapshot { return stats.Snapshot(queue.Len()) }

	var wg sync.WaitGroup
	abandon := false
	defer func() {
		cancel()
		if !abandon {
			wg.Wait()
		}
	}()

	// Status server (optional)
	var onOutcome func(Outcome)
	if cfg.Status.Listen != "" {
		ln, err := net.Listen("tcp", cfg.Status.Listen)
		if err != nil {
			return fmt.Errorf("bind status server: %w", err)
		}

		outcomes := make(chan Outcome, outcomeBufferSize)
		onOutcome = outcomeSink(outcomes)
		pipeline.onDrop = onOutcome

		status := NewStatusServer(logger, snapshot, HubConfig{})
		wg.Add(3)
		go func() {
			defer wg.Done()
			status.Hub().Run(ctx)
		}()
		go func() {
			defer wg.Done()
			RunBroadcaster(ctx, status.Hub(), outcomes, logger)
		}()
		go func() {
			defer wg.Done()
			if err := serveStatus(ctx, ln, newStatusMux(status, snapshot), logger); err != nil {
				logger.Error("Status server error", "error", err)
			}
		}()
	}

	// IPC server (optional)
	if cfg.IPC.SocketPath != "" {
		listener, err := listenIPC(cfg.IPC.SocketPath)
		if err != nil {
			return fmt.Errorf("start IPC server: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := serveIPC(ctx, listener, cfg.IPC.SocketPath, pipeline, logger); err != nil {
				logger.Error("IPC server error", "error", err)
			}
		}()
	}

	// Scheduled commands (optional)
	if len(cfg.Schedules) > 0 {
		sched, err := NewScheduler(cfg.Schedules, pipeline, logger)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.Run(ctx)
		}()
	}

	// Delivery worker
	worker := NewWorker(NewVmixClient(), WorkerConfig{
		Device:    cfg.Vmix.Address,
		Policy:    cfg.RetryPolicy(),
		RateLimit: cfg.Delivery.RateLimit,
		RateBurst: cfg.Delivery.RateBurst,
		OnOutcome: onOutcome,
	}, stats, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(ctx, queue)
	}()

	logger.Debug("configuration",
		"listen", cfg.OSC.Listen,
		"device", cfg.Vmix.Address,
		"address_prefix", cfg.OSC.AddressPrefix,
		"allow_raw", cfg.OSC.AllowRaw,
		"timeout_ms", cfg.Vmix.TimeoutMS,
		"attempts", cfg.Delivery.Attempts,
		"retry_delay_ms", cfg.Delivery.RetryDelayMS,
		"rate_limit", cfg.Delivery.RateLimit,
		"queue", queue.String(),
		"ipc_socket", cfg.IPC.SocketPath,
		"status_listen", cfg.Status.Listen,
		"schedules", len(cfg.Schedules))
	logger.Info("osc2vmix started", "version", version, "listen", cfg.OSC.Listen, "device", cfg.Vmix.Address)

	recvErr := make(chan error, 1)
	go func() {
		recvErr <- NewReceiver(conn, pipeline, logger).Run(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
		<-recvErr
		// Deferred wg.Wait lets an in-flight delivery finish.
		return nil

	case err := <-recvErr:
		if err == nil {
			err = errors.New("OSC receiver stopped unexpectedly")
		}
		// Queued commands are abandoned; don't wait on the worker.
		abandon = true
		return err
	}
}
