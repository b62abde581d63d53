// Command blechat is a terminal chat over Bluetooth Low Energy.
//
// Usage:
//
//	blechat [-config path] -mode server
//	blechat [-config path] -mode client -peer AA:BB:CC:DD:EE:FF
//	blechat [-config path] -mode scan
//	blechat -init
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/blechat/internal/ble"
	"github.com/chaz8081/blechat/internal/chat"
	"github.com/chaz8081/blechat/internal/config"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/blechat/config.yaml)")
	mode := flag.String("mode", "server", "role: server, client or scan")
	peer := flag.String("peer", "", "address of the peer to connect to (client mode)")
	initConfig := flag.Bool("init", false, "write the default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			log.Printf("Config already exists at %s", config.DefaultConfigPath())
			return
		}
		log.Printf("Default config written to %s", path)
		return
	}

	switch *mode {
	case "server", "scan":
	case "client":
		if *peer == "" {
			log.Fatal("client mode needs -peer")
		}
	default:
		log.Fatalf("unknown mode %q", *mode)
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	printBanner(cfg, *mode)

	adapter := ble.NewTinyGoAdapter()
	if err := adapter.Enable(); err != nil {
		log.Fatalf("Failed to enable Bluetooth: %v\n\nCheck that the adapter is powered on and that this process may use it.", err)
	}

	stack, err := newStack(cfg, adapter)
	if err != nil {
		log.Fatalf("setup: %v", err)
	}
	defer stack.Release()

	// Signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, stack, *mode, *peer); err != nil && !errors.Is(err, context.Canceled) {
		stack.Release()
		log.Fatalf("%v", err)
	}
	log.Println("Goodbye!")
}

func newStack(cfg *config.Config, adapter *ble.TinyGoAdapter) (*ble.Stack, error) {
	retention, err := chat.ParseRetention(cfg.Chat.Retention)
	if err != nil {
		return nil, err
	}
	perms, err := cfg.GrantedPermissions()
	if err != nil {
		return nil, err
	}

	router := chat.NewRouter(chat.NewRegistry(retention), adapter.Address(), cfg.GATT.MaxPayload)
	return ble.NewStack(adapter, adapter, perms, router, ble.StackOptions{
		LocalName: cfg.DeviceName,
		Scan: ble.ScanOptions{
			FilterService:        cfg.Scan.FilterService,
			LegacyLocationGating: cfg.Permissions.LegacyLocationGating,
		},
		Client: ble.ClientOptions{
			ConnectTimeout: cfg.GATT.ConnectTimeout,
			SendInterval:   cfg.GATT.SendInterval,
		},
		Server: ble.ServerOptions{SendInterval: cfg.GATT.SendInterval},
	}), nil
}

// run drives the selected role until ctx ends or the role fails.
func run(ctx context.Context, cfg *config.Config, stack *ble.Stack, mode, peer string) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logErrors(ctx, stack.Errors())
		return nil
	})
	if cfg.Chat.Notify {
		g.Go(func() error {
			chat.ForwardNotifications(ctx, stack.Router(), chat.SlogNotifier{})
			return nil
		})
	}
	if cfg.Chat.Transcript != "" {
		g.Go(func() error {
			return writeTranscript(ctx, cfg.Chat.Transcript, stack.Router())
		})
	}

	switch mode {
	case "scan":
		g.Go(func() error { return runScan(ctx, stack, cfg.Scan.Timeout) })
	case "server":
		if err := stack.Server.Start(ctx); err != nil {
			return fmt.Errorf("starting server: %w", err)
		}
		log.Printf("Advertising as %q, waiting for peers. Ctrl+C to quit.", cfg.DeviceName)
		g.Go(func() error {
			return chatLoop(ctx, stack, serverTarget(stack), stack.Server.Send)
		})
	case "client":
		if err := stack.Client.Connect(ctx, peer); err != nil {
			return fmt.Errorf("connecting to %s: %w", peer, err)
		}
		log.Printf("Connected to %s. Type a message and press Enter. Ctrl+C to quit.", peer)
		g.Go(func() error {
			return chatLoop(ctx, stack, func() (string, bool) { return peer, true }, stack.Client.Send)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, errDone) {
		return err
	}
	return nil
}

// runScan lists chat peers as they are found, until timeout or ctx ends.
func runScan(ctx context.Context, stack *ble.Stack, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	updates, unsubscribe := stack.Registry().Subscribe()
	defer unsubscribe()

	if err := stack.Scanner.Start(ctx); err != nil {
		return fmt.Errorf("starting scan: %w", err)
	}
	defer stack.Scanner.Stop()

	seen := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			log.Printf("Scan finished, %d peer(s) found", len(seen))
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return errDone
			}
			return ctx.Err()
		case devices := <-updates:
			for _, d := range devices {
				if seen[d.Address] {
					continue
				}
				seen[d.Address] = true
				fmt.Printf("  %s  %s\n", d.Address, d.DisplayName())
			}
		}
	}
}

// logErrors logs role failures until ctx ends.
func logErrors(ctx context.Context, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errs:
			slog.Error("[BLE] "+err.Error(), "error", err)
		}
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config, mode string) {
	fmt.Println("=== blechat ===")
	fmt.Printf("  Name:     %s\n", cfg.DeviceName)
	fmt.Printf("  Mode:     %s\n", mode)
	fmt.Printf("  Payload:  %d bytes\n", cfg.GATT.MaxPayload)
	fmt.Printf("  History:  %s\n", cfg.Chat.Retention)
	fmt.Printf("  Log:      %s\n", cfg.LogLevel)
	fmt.Println("===============")
}
