package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gachacap/gachacap/config"
	"github.com/gachacap/gachacap/internal/capture"
	"github.com/gachacap/gachacap/internal/logger"
	"github.com/gachacap/gachacap/internal/relay"
	"github.com/gachacap/gachacap/internal/version"
	"github.com/gachacap/gachacap/internal/wish"
)

func printHelp() {
	fmt.Print(`gachacap - Game Session Acquisition Tool

Usage: gachacap [--capture-backend <kind>] [--version|-v] [--help|-h]

Captures the game session's raw UDP packets and discovers the client's wish
authorization URL, using config.json.

Options:
  --capture-backend, -b   Capture backend to use: kernel or multidevice.
                          Defaults to kernel on Linux, multidevice elsewhere.
  --version, -v           Print version and exit
  --help, -h              Show this help message and exit

Configuration:
  gachacap loads its configuration from config.json in the working directory
  by default. You can customize logging, capture, and wish monitor settings
  in this file; GACHACAP_* environment variables (or a .env file) override
  file values.

Example:
  gachacap
    Runs acquisition with the platform default backend.

  gachacap -b multidevice
    Captures on every connected network device.
`)
}

func main() {
	var backendOverride string

	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--help", "-h":
			printHelp()
			return
		case "--version", "-v":
			fmt.Println(version.Version)
			return
		case "--capture-backend", "-b":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "missing value for --capture-backend")
				os.Exit(2)
			}
			i++
			backendOverride = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown argument: %s\n", args[i])
			printHelp()
			os.Exit(2)
		}
	}

	// Load config from config.json
	var configPaths []string
	if runtime.GOOS == "windows" {
		configPaths = []string{
			`C:\ProgramData\gachacap\config.json`,
			"config.json",
		}
	} else {
		configPaths = []string{
			"/etc/gachacap/config.json",
			"config.json",
		}
	}
	var cfg *config.Config
	for _, path := range configPaths {
		if c, err := config.LoadConfig(path); err == nil {
			cfg = c
			break
		}
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	if err := cfg.InitializeLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	log := logger.GetLogger()
	defer log.Close()

	log.Info("gachacap %s starting", version.Version)

	backendName := cfg.Capture.Backend
	if backendOverride != "" {
		backendName = backendOverride
	}
	kind, err := capture.ParseKind(backendName)
	if err != nil {
		log.Error("%v", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received %v, shutting down", sig)
		cancel()
	}()

	// The wish monitor runs independently of packet capture; a failure to
	// start it degrades functionality but doesn't block acquisition.
	monitor, err := wish.NewMonitor(wish.Config{
		OutputLogPath: cfg.Wish.OutputLogPath,
		Debounce:      time.Duration(cfg.Wish.DebounceMS) * time.Millisecond,
		Validator:     wish.NewValidator(time.Duration(cfg.Wish.ValidateTimeoutSeconds) * time.Second),
		Log:           log,
	})
	if err != nil {
		log.Warn("wish monitor unavailable: %v", err)
	} else {
		defer monitor.Close()
		go func() {
			if err := monitor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("wish monitor stopped: %v", err)
			}
		}()
		go func() {
			for url := range monitor.Updates() {
				log.Info("wish URL available: %s", url)
			}
		}()
	}

	log.Info("starting capture (backend: %s)", kind)
	backend, err := capture.New(kind)
	if err != nil {
		var sessionErr *capture.SessionError
		if errors.As(err, &sessionErr) && !sessionErr.HasCaptured {
			log.Error("could not start capture on any device: %v", err)
		} else {
			log.Error("failed to create capture backend: %v", err)
		}
		os.Exit(1)
	}
	defer backend.Close()

	sink := &decoderSink{log: log}
	if err := relay.Run(ctx, backend, sink, relay.Options{
		LogRawPackets: cfg.Capture.LogRawPackets,
		Log:           log,
	}); err != nil {
		os.Exit(1)
	}
}

// decoderSink stands where the protocol decoder attaches. Until a decoder is
// wired in it accounts for traffic so capture health is visible in the log.
type decoderSink struct {
	log     *logger.Logger
	packets int
	bytes   int
}

func (s *decoderSink) HandlePacket(data []byte) error {
	s.packets++
	s.bytes += len(data)
	if s.packets%1000 == 0 {
		s.log.Info("captured %d session packets (%d bytes)", s.packets, s.bytes)
	}
	return nil
}
