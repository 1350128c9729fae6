// SPDX-FileCopyrightText: (C) 2025 Particle Tools
// SPDX-License-Identifier: Apache 2.0

package cmd

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/particle-tools/collider/api"
	"github.com/particle-tools/collider/internal/cloud"
	"github.com/particle-tools/collider/internal/device"
	"github.com/particle-tools/collider/internal/protocol"
	"github.com/particle-tools/collider/internal/registry"
)

var (
	cfg            ColliderConfig
	configFilePath string
)

// simulateCmd represents the simulate command
var simulateCmd = &cobra.Command{
	Use:   "simulate [server_address]",
	Short: "Run a device fleet against a cloud server",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		// Load configuration first
		if err := simulateCmdLoadConfig(cmd, args); err != nil {
			return err
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := cfg.DB.getStore()
		if err != nil {
			return err
		}
		return runSimulation(store)
	},
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().StringVar(&configFilePath, "config", "", "Path to the YAML configuration file")
	simulateCmd.Flags().Int("devices", 0, "Number of simulated devices")
	simulateCmd.Flags().Int("delay-ms", 0, "Artificial network delay per device, in milliseconds")
	simulateCmd.Flags().String("keys-dir", "", "Directory holding device private keys")
	simulateCmd.Flags().String("server-key", "", "Path to the cloud server public key PEM")
	_ = viper.BindPFlags(simulateCmd.Flags())
	_ = viper.BindPFlags(rootCmd.PersistentFlags())
}

func simulateCmdLoadConfig(cmd *cobra.Command, args []string) error {
	if configFilePath != "" {
		viper.SetConfigFile(configFilePath)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file: %w", err)
		}
	}
	if err := viper.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("unmarshaling config: %w", err)
	}

	// Direct flags override the configuration file
	if viper.GetInt("devices") > 0 {
		cfg.Fleet.Devices = viper.GetInt("devices")
	}
	if viper.GetInt("delay-ms") > 0 {
		cfg.Fleet.DelayMs = viper.GetInt("delay-ms")
	}
	if viper.GetString("keys-dir") != "" {
		cfg.Fleet.KeysDir = viper.GetString("keys-dir")
	}
	if viper.GetString("server-key") != "" {
		cfg.Server.PublicKeyPath = viper.GetString("server-key")
	}
	// The positional address wins over everything
	if len(args) > 0 {
		cfg.Server.Address = args[0]
	}

	if err := rootCmdLoadConfig(); err != nil {
		return err
	}
	if cfg.Log.Level == "debug" {
		logLevel.Set(slog.LevelDebug)
	}
	return cfg.validate()
}

func runSimulation(store *registry.Store) error {
	serverKeyPEM, err := os.ReadFile(cfg.Server.PublicKeyPath)
	if err != nil {
		return err
	}
	serverKey, err := protocol.LoadPublicKey(serverKeyPEM)
	if err != nil {
		return err
	}

	fleet, fresh, err := buildFleet(store, serverKey)
	if err != nil {
		return err
	}

	cleanupWebhook, err := claimFleet(store, fleet, fresh)
	if err != nil {
		return err
	}
	defer cleanupWebhook()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.API.Enabled() {
		go serveStatusAPI(ctx, fleet, store)
	}
	go watchConnects(ctx, fleet, store)

	slog.Info("connecting fleet", "devices", fleet.Size(), "server", cfg.Server.Address)
	if err := fleet.ConnectAll(ctx); err != nil {
		return err
	}

	go func() {
		runScenario(ctx, fleet)
		slog.Info("scenario complete; fleet holding until interrupted")
	}()

	<-stop
	slog.Debug("Shutting down fleet...")
	cancel()
	fleet.DisconnectAll()
	return nil
}

// buildFleet reuses registered identities first and mints the remainder. It
// returns the fleet plus the identities not yet claimed on the cloud.
func buildFleet(store *registry.Store, serverKey *rsa.PublicKey) (*device.Fleet, []*device.Identity, error) {
	known, err := store.List()
	if err != nil {
		return nil, nil, err
	}

	fleet := device.NewFleet(cfg.Fleet.RampPerSecond, 1)
	delay := time.Duration(cfg.Fleet.DelayMs) * time.Millisecond
	var fresh []*device.Identity

	addSession := func(ident *device.Identity) {
		s := device.NewSession(ident, serverKey, cfg.Server.Address, delay)
		if cfg.Fleet.WebhookName != "" {
			s.WebhookName = cfg.Fleet.WebhookName
		}
		fleet.Add(s)
	}

	for _, row := range known {
		if fleet.Size() == cfg.Fleet.Devices {
			break
		}
		ident, err := device.LoadOrCreateIdentity(cfg.Fleet.KeysDir, row.DeviceID)
		if err != nil {
			return nil, nil, fmt.Errorf("loading device %s: %w", row.DeviceID, err)
		}
		if !row.Claimed {
			fresh = append(fresh, ident)
		}
		addSession(ident)
	}
	for fleet.Size() < cfg.Fleet.Devices {
		ident, err := device.LoadOrCreateIdentity(cfg.Fleet.KeysDir, "")
		if err != nil {
			return nil, nil, err
		}
		if err := store.Upsert(ident.IDHex(), keyPath(ident)); err != nil {
			return nil, nil, err
		}
		fresh = append(fresh, ident)
		addSession(ident)
	}
	return fleet, fresh, nil
}

func keyPath(ident *device.Identity) string {
	return cfg.Fleet.KeysDir + "/" + ident.IDHex() + ".pem"
}

// claimFleet provisions and claims the fresh identities through the cloud
// REST API and installs the test webhook. Skipped entirely when no API
// address is configured. The returned function removes the webhook.
func claimFleet(store *registry.Store, fleet *device.Fleet, fresh []*device.Identity) (func(), error) {
	noop := func() {}
	if cfg.Cloud.API == "" {
		return noop, nil
	}
	client, err := cloud.New(cfg.Cloud.API)
	if err != nil {
		return noop, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := client.Login(ctx, cfg.Cloud.Username, cfg.Cloud.Password); err != nil {
		return noop, err
	}
	for _, ident := range fresh {
		pubPEM, err := ident.PublicKeyPEM()
		if err != nil {
			return noop, err
		}
		if err := client.ProvisionKey(ctx, ident.IDHex(), pubPEM); err != nil {
			return noop, fmt.Errorf("provisioning %s: %w", ident.IDHex(), err)
		}
		if err := client.ClaimDevice(ctx, ident.IDHex()); err != nil {
			return noop, fmt.Errorf("claiming %s: %w", ident.IDHex(), err)
		}
		if err := store.MarkClaimed(ident.IDHex()); err != nil {
			return noop, err
		}
	}
	slog.Info("claimed devices", "fresh", len(fresh), "total", fleet.Size())

	if cfg.Cloud.WebhookURL == "" {
		return noop, nil
	}
	webhookName := cfg.Fleet.WebhookName
	if webhookName == "" {
		webhookName = "collider-test"
	}
	hook, err := client.CreateWebhook(ctx, webhookName, cfg.Cloud.WebhookURL)
	if err != nil {
		return noop, err
	}
	slog.Info("webhook installed", "id", hook.ID, "event", hook.Event)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.DeleteWebhook(ctx, hook.ID); err != nil {
			slog.Warn("removing webhook", "id", hook.ID, "err", err)
		}
	}, nil
}

// serveStatusAPI exposes the fleet over HTTP until ctx is cancelled.
func serveStatusAPI(ctx context.Context, fleet *device.Fleet, store *registry.Store) {
	srv := &http.Server{
		Addr:              cfg.API.ListenAddress(),
		Handler:           api.NewHTTPHandler(fleet, store),
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Debug("Status API forced to shutdown:", "err", err)
		}
	}()
	slog.Info("Listening", "api", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("status api", "err", err)
	}
}

// watchConnects stamps each device's registry row the first time its session
// reaches the ready state.
func watchConnects(ctx context.Context, fleet *device.Fleet, store *registry.Store) {
	stamped := make(map[string]bool)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range fleet.Sessions() {
				id := s.Identity().IDHex()
				if stamped[id] || !s.IsConnected() {
					continue
				}
				if err := store.TouchConnected(id); err != nil {
					slog.Debug("stamping connect", "device", id, "err", err)
					continue
				}
				stamped[id] = true
			}
		}
	}
}

// runScenario replays the configured steps in order.
func runScenario(ctx context.Context, fleet *device.Fleet) {
	for i, step := range cfg.Scenario {
		if ctx.Err() != nil {
			return
		}
		slog.Info("scenario step", "index", i, "action", step.Action)
		switch step.Action {
		case "webhook-storm":
			fleet.WebhookStorm(ctx, step.StormParams.Count, step.StormParams.PerSecond)
		case "disconnect":
			sessions := fleet.Sessions()
			n := step.DisconnectParams.Devices
			if n > len(sessions) {
				n = len(sessions)
			}
			for _, s := range sessions[len(sessions)-n:] {
				s.Disconnect()
			}
		case "pause":
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(step.PauseParams.Seconds) * time.Second):
			}
		}
	}
}
