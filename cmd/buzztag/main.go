package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/buzztag/internal/ble"
	blecrypto "github.com/chaz8081/buzztag/internal/ble/crypto"
	"github.com/chaz8081/buzztag/internal/chat"
	"github.com/chaz8081/buzztag/internal/config"
	"github.com/chaz8081/buzztag/internal/models"
	"github.com/chaz8081/buzztag/internal/session"
	"github.com/chaz8081/buzztag/internal/store"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/buzztag/config.yaml)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config validation: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	printBanner(cfg)

	if err := run(cfg); err != nil {
		slog.Error("exiting", "error", err)
		os.Exit(1)
	}
	fmt.Println("Goodbye!")
}

func run(cfg *config.Config) error {
	db, dbPath, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	slog.Info("[STORE] database open", "path", dbPath)

	cipher, err := blecrypto.NewCipher(cfg.Encryption.Suite)
	if err != nil {
		return err
	}

	settings := models.DefaultSettings()
	settings.EncryptionEnabled = cfg.Encryption.Enabled

	transport := ble.NewTinygoTransport(cfg.Scan.HCI)
	svc, err := chat.New(transport, chat.Options{
		DeviceID: cfg.DeviceID,
		Profile:  models.Profile{Username: cfg.Profile.Username, Avatar: cfg.Profile.Avatar},
		Cipher:   cipher,
		Settings: settings,

		ExtraDenylist:   cfg.Scan.DenylistExtra,
		AutoSelectFirst: cfg.Scan.AutoSelectFirst,
		Session: session.Options{
			MaxAttempts:    cfg.Session.MaxAttempts,
			RetryBackoff:   cfg.Session.RetryBackoff,
			MaxBackoff:     cfg.Session.MaxBackoff,
			ConnectTimeout: cfg.Session.ConnectTimeout,
			VerifyTimeout:  cfg.Session.VerifyTimeout,
			AutoReconnect:  cfg.Session.AutoReconnect,
		},
		Prompts: cfg.Icebreakers,
		Store:   db,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Shutdown(); err != nil {
			slog.Warn("shutdown", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	feed, unsubscribe := svc.Subscribe(64)
	defer unsubscribe()

	if err := svc.Start(ctx); err != nil {
		switch {
		case errors.Is(err, chat.ErrPermissionDenied):
			return fmt.Errorf("%w: BuzzTag needs Bluetooth access to discover nearby devices", err)
		case errors.Is(err, chat.ErrRadioDisabled):
			return fmt.Errorf("%w: please enable Bluetooth and try again", err)
		default:
			return err
		}
	}
	fmt.Println("Scanning for nearby BuzzTag users. Type /help for commands, Ctrl+C to quit.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev, ok := <-feed:
				if !ok {
					return nil
				}
				printEvent(os.Stdout, svc, ev)
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return errQuit
				}
				if err := handleLine(gctx, svc, line, os.Stdout); err != nil {
					return err
				}
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}
	slog.Info("shutting down")
	return nil
}

// loadConfig loads the config from the specified path, or from the default
// path, writing a default config there on first run.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	written, err := config.WriteDefault()
	if err != nil || written == "" {
		fmt.Fprintln(os.Stderr, "No config file found, using defaults")
		cfg := config.Default()
		cfg.DeviceID = uuid.NewString()
		return cfg, nil
	}
	fmt.Fprintf(os.Stderr, "Wrote default config to %s\n", written)
	return config.Load(written)
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	name := cfg.Profile.Username
	if name == "" {
		name = "(not set)"
	}
	fmt.Println("=== buzztag ===")
	fmt.Printf("  Device:     %s\n", cfg.DeviceID)
	fmt.Printf("  Profile:    %s %s\n", name, cfg.Profile.Avatar)
	fmt.Printf("  Encryption: %v (%s)\n", cfg.Encryption.Enabled, cfg.Encryption.Suite)
	fmt.Printf("  Storage:    %s\n", cfg.Storage.Path)
	fmt.Printf("  Log:        %s\n", cfg.LogLevel)
	fmt.Println("===============")
}
