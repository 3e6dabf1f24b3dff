package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/podiumhq/podium/internal/config"
	"github.com/podiumhq/podium/internal/dashboard"
	"github.com/podiumhq/podium/internal/store"
	"github.com/podiumhq/podium/internal/syncd"
	"github.com/podiumhq/podium/internal/vote"
)

// adminProxy breaks the construction cycle between the dashboard server
// (which needs the admin surface) and the scheduler (whose event sink
// needs the server). The scheduler is attached before the server starts.
type adminProxy struct {
	sched *syncd.Scheduler
}

func (p *adminProxy) ForceLock(debateID string) error {
	return p.sched.ForceLock(debateID)
}

func (p *adminProxy) ForceClose(ctx context.Context, debateID string) error {
	return p.sched.ForceClose(ctx, debateID)
}

func (p *adminProxy) ForceSync(ctx context.Context, debateID string) error {
	return p.sched.ForceSync(ctx, debateID)
}

func (p *adminProxy) ForceReset(ctx context.Context, debateID string) (int, error) {
	return p.sched.ForceReset(ctx, debateID)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the vote engine with its dashboard and admin surface",
	Long: `Start the vote engine: the in-memory cache, the background sync
scheduler, the consistency auditor and the dashboard server.

The dashboard broadcasts tally updates, sync results and drift alerts
over WebSocket (ws://<addr>/ws) and exposes the admin endpoints the
'podium admin' and 'podium status' commands talk to.

Configuration comes from --config (YAML), overridable via PODIUM_*
environment variables. Edits to sync_interval and audit_every in the
config file take effect without a restart.`,
	Run: func(cmd *cobra.Command, args []string) {
		configPath, _ := cmd.Flags().GetString("config")
		debates, _ := cmd.Flags().GetStringArray("debate")

		loader := config.NewLoader(configPath, log.Default())
		cfg, err := loader.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		logOut := io.Writer(os.Stderr)
		if cfg.LogFile != "" {
			logOut = &lumberjack.Logger{
				Filename:   cfg.LogFile,
				MaxSize:    cfg.LogMaxSizeMB,
				MaxBackups: cfg.LogMaxBackups,
			}
		}
		logger := log.New(logOut, "[podium] ", log.LstdFlags)

		db, err := store.Open(cfg.DBPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		if err := db.InitSchema(); err != nil {
			fmt.Fprintf(os.Stderr, "Error initializing schema: %v\n", err)
			os.Exit(1)
		}

		// Surface debates the previous run failed to flush. Their markers
		// clear automatically once they sync clean again.
		markers, err := db.IncompleteFlushes(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading flush markers: %v\n", err)
			os.Exit(1)
		}
		for _, m := range markers {
			logger.Printf("WARNING: debate %s has %d votes unflushed since %s; durable tally is stale until resync",
				m.DebateID, m.Pending, m.MarkedAt.Format("2006-01-02 15:04:05"))
		}

		cache := vote.NewCache()
		for _, debateID := range debates {
			if err := cache.Register(debateID, vote.DefaultChoices(), cfg.DefaultChangeLimit); err != nil {
				fmt.Fprintf(os.Stderr, "Error registering debate %s: %v\n", debateID, err)
				os.Exit(1)
			}
			logger.Printf("Registered debate %s", debateID)
		}

		proxy := &adminProxy{}
		server := dashboard.NewServer(&dashboard.Config{
			Addr:   cfg.ListenAddr,
			Logger: log.New(logOut, "[dashboard] ", log.LstdFlags),
		}, proxy, cache)
		handler := dashboard.NewHandler(server, logger)
		cache.OnTallyChanged = handler.OnTallyChanged

		sched, err := syncd.New(cache, syncd.SQLStore{DB: db}, &syncd.Config{
			Interval:      cfg.SyncInterval,
			Workers:       cfg.SyncWorkers,
			StoreTimeout:  cfg.StoreTimeout,
			AuditEvery:    cfg.AuditEvery,
			ShutdownGrace: cfg.ShutdownGrace,
			EvictGrace:    cfg.EvictGrace,
			Logger:        log.New(logOut, "[syncd] ", log.LstdFlags),
		}, handler)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating scheduler: %v\n", err)
			os.Exit(1)
		}
		proxy.sched = sched

		if err := server.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting dashboard: %v\n", err)
			os.Exit(1)
		}
		sched.Start()

		loader.Watch(func(fresh *config.Config) {
			sched.SetInterval(fresh.SyncInterval)
			sched.SetAuditEvery(fresh.AuditEvery)
		})

		fmt.Printf("Podium engine started\n")
		fmt.Printf("  Database:  %s\n", cfg.DBPath)
		fmt.Printf("  Dashboard: http://%s (ws://%s/ws)\n", server.GetAddr(), server.GetAddr())
		fmt.Printf("  Sync:      every %v, %d workers\n", cfg.SyncInterval, cfg.SyncWorkers)
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down...")
		if err := server.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error stopping dashboard: %v\n", err)
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+cfg.StoreTimeout)
		defer shutdownCancel()
		if err := sched.Close(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			fmt.Fprintln(os.Stderr, "Affected debates are flagged durably and will be reported at next startup")
			os.Exit(1)
		}
		fmt.Println("All debates flushed, engine stopped")
	},
}

func init() {
	serveCmd.Flags().StringP("config", "c", "", "Config file path (YAML)")
	serveCmd.Flags().StringArray("debate", nil, "Debate ID to register at startup (repeatable)")
	rootCmd.AddCommand(serveCmd)
}
