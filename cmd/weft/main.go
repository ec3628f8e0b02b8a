// Command weft runs the storage fabric coordinator.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"weft/internal/channel"
	"weft/internal/config"
	"weft/internal/coordinator"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("WEFT_DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	rootCmd := &cobra.Command{
		Use:   "weft",
		Short: "Distributed storage fabric coordinator",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			pprofAddr, _ := cmd.Flags().GetString("pprof")
			if pprofAddr != "" {
				go func() {
					logger.Info("pprof server listening", "addr", pprofAddr)
					if err := http.ListenAndServe(pprofAddr, nil); err != nil {
						logger.Error("pprof server error", "error", err)
					}
				}()
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().String("pprof", "", "pprof HTTP server address (e.g. localhost:6060); bind to loopback only")

	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Start the coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig(cmd)
			if err != nil {
				return err
			}
			addr, _ := cmd.Flags().GetString("addr")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()
			return run(ctx, logger, cfg, addr)
		},
	}
	addServerFlags(serverCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(serverCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func addServerFlags(cmd *cobra.Command) {
	d := config.Defaults()
	cmd.Flags().String("addr", ":4570", "listen address for the device channel (host:port)")
	cmd.Flags().String("kek", "", "key-encryption key, 64 hex characters (or WEFT_KEK)")
	cmd.Flags().String("db", d.MetaPath, "metadata database file")
	cmd.Flags().String("staging-dir", d.StagingDir, "temporary ciphertext directory")
	cmd.Flags().Duration("staging-ttl", d.StagingTTL, "staged ciphertext retention")
	cmd.Flags().Int("redundancy", d.RedundancyFactor, "target replicas per chunk (2-5)")
	cmd.Flags().Int("safety-margin", d.SafetyMargin, "replicas tolerated above target before trimming")
	cmd.Flags().Float64("min-reliability", d.MinReliability, "minimum device score for placement")
	cmd.Flags().Duration("scan-interval", d.ScanInterval, "full health scan interval")
	cmd.Flags().Duration("trim-interval", d.TrimInterval, "over-replication scan interval")
	cmd.Flags().Duration("summary-interval", d.SummaryInterval, "fleet summary log interval")
	cmd.Flags().Duration("offline-threshold", d.DeviceOfflineThreshold, "missed-heartbeat window before a device is offline")
	cmd.Flags().String("chunk-policy", d.ChunkPolicy, "chunk sizing policy: adaptive or fixed")
	cmd.Flags().Int64("fixed-chunk-size", d.FixedChunkSize, "chunk size in bytes for the fixed policy")
	cmd.Flags().Int64("max-file-size", d.MaxFileSize, "maximum accepted upload in bytes")
	cmd.Flags().Duration("write-timeout", d.WriteTimeout, "chunk ship round-trip timeout")
	cmd.Flags().Duration("read-timeout", d.ReadTimeout, "chunk fetch round-trip timeout")
	cmd.Flags().Duration("delete-timeout", d.DeleteTimeout, "chunk delete round-trip timeout")
}

func buildConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Defaults()

	cfg.KEKHex, _ = cmd.Flags().GetString("kek")
	if cfg.KEKHex == "" {
		cfg.KEKHex = os.Getenv("WEFT_KEK")
	}
	cfg.MetaPath, _ = cmd.Flags().GetString("db")
	cfg.StagingDir, _ = cmd.Flags().GetString("staging-dir")
	cfg.StagingTTL, _ = cmd.Flags().GetDuration("staging-ttl")
	cfg.RedundancyFactor, _ = cmd.Flags().GetInt("redundancy")
	cfg.SafetyMargin, _ = cmd.Flags().GetInt("safety-margin")
	cfg.MinReliability, _ = cmd.Flags().GetFloat64("min-reliability")
	cfg.ScanInterval, _ = cmd.Flags().GetDuration("scan-interval")
	cfg.TrimInterval, _ = cmd.Flags().GetDuration("trim-interval")
	cfg.SummaryInterval, _ = cmd.Flags().GetDuration("summary-interval")
	cfg.DeviceOfflineThreshold, _ = cmd.Flags().GetDuration("offline-threshold")
	cfg.ChunkPolicy, _ = cmd.Flags().GetString("chunk-policy")
	cfg.FixedChunkSize, _ = cmd.Flags().GetInt64("fixed-chunk-size")
	cfg.MaxFileSize, _ = cmd.Flags().GetInt64("max-file-size")
	cfg.WriteTimeout, _ = cmd.Flags().GetDuration("write-timeout")
	cfg.ReadTimeout, _ = cmd.Flags().GetDuration("read-timeout")
	cfg.DeleteTimeout, _ = cmd.Flags().GetDuration("delete-timeout")

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func run(ctx context.Context, logger *slog.Logger, cfg config.Config, addr string) error {
	coord, err := coordinator.New(cfg, logger)
	if err != nil {
		return err
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1 << 20,
		WriteBufferSize: 1 << 20,
		// Devices are native clients, not browsers; origin checks do not
		// apply.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /devices/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		conn := channel.NewWSConn(ws)

		pingCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go conn.KeepAlive(pingCtx)

		channel.NewSession(coord.Hub(), coord.Devices(), conn, logger).Run(ctx)
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("device channel listening", "addr", addr, "version", version)
		serveErr <- srv.ListenAndServe()
	}()

	coordErr := make(chan error, 1)
	go func() {
		coordErr <- coord.Run(ctx)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("device channel server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}

	if err := <-coordErr; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("coordinator stopped")
	return nil
}
