package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/mta-dispatch/internal/accounting"
	"github.com/ignite/mta-dispatch/internal/api"
	"github.com/ignite/mta-dispatch/internal/config"
	"github.com/ignite/mta-dispatch/internal/dispatch"
	"github.com/ignite/mta-dispatch/internal/mta"
	"github.com/ignite/mta-dispatch/internal/pkg/distlock"
	"github.com/ignite/mta-dispatch/internal/pkg/logger"
	"github.com/ignite/mta-dispatch/internal/store"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// submitterAdapter bridges the engine's chunk type to the SMTP submitter.
type submitterAdapter struct {
	s *mta.SMTPSubmitter
}

func (a submitterAdapter) Submit(ctx context.Context, c *dispatch.Chunk) error {
	return a.s.Submit(ctx, mta.ChunkSubmission{
		JobID:           c.JobID,
		CampaignID:      c.CampaignID,
		Domain:          c.Domain,
		Recipients:      c.Recipients,
		SenderName:      c.Sender.Name,
		SenderEmail:     c.Sender.Email,
		Subject:         c.Subject,
		SubjectVariants: c.SubjectVariants,
		Variant:         c.Variant,
		HTMLBody:        c.HTMLBody,
		TextBody:        c.TextBody,
	})
}

// checkPortAvailable verifies the target port is free before wiring starts,
// so a stale process fails the boot loudly instead of at ListenAndServe.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v", port, addr, err)
	}
	ln.Close()
	return nil
}

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	if cfg.Log.RedactPII != nil {
		logger.SetRedactPII(*cfg.Log.RedactPII)
	}
	if cfg.Log.File != "" {
		logger.SetFile(cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups)
	}
	logger.Info("dispatchd starting",
		"port", cfg.Server.Port,
		"mta_host", cfg.MTA.Host,
		"source_kind", cfg.Accounting.SourceKind)

	if err := checkPortAvailable(cfg.Server.Host, cfg.Server.Port); err != nil {
		log.Fatalf("Pre-flight check failed: %v", err)
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(rootCtx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer st.Close()
	if err := st.EnsureSchema(rootCtx); err != nil {
		log.Fatalf("Failed to apply schema: %v", err)
	}

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("Invalid REDIS_URL: %v", err)
		}
		rdb = redis.NewClient(opt)
		pingCtx, pingCancel := context.WithTimeout(rootCtx, 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Printf("[main] Redis unreachable, continuing without it: %v", err)
			rdb = nil
		}
		pingCancel()
	}

	resolver := config.NewResolver(cfg)

	mtaClient := mta.NewClient(cfg.MTA.Host, cfg.MTA.MgmtPort, cfg.MTA.APIKey, cfg.MTATimeout())
	gauge := mta.NewGauge(mtaClient, cfg.Pressure, resolver)
	tracker := mta.NewHealthTracker(mtaClient, cfg.Domains)
	go gauge.Run(rootCtx)

	policy := dispatch.NewRetryPolicy(
		time.Duration(cfg.Dispatch.RetryBaseSeconds)*time.Second,
		time.Duration(cfg.Dispatch.RetryMaxWaitSeconds)*time.Second,
		cfg.Dispatch.MaxRetries,
	)
	scheduler := dispatch.NewScheduler(gauge, tracker, policy,
		time.Duration(cfg.Dispatch.SlowDelayMS)*time.Millisecond)
	submitter := submitterAdapter{s: mta.NewSMTPSubmitter(cfg.MTA)}
	engine := dispatch.NewEngine(scheduler, submitter, gauge, tracker, st, resolver, dispatch.RealClock(), cfg.Dispatch)
	registry := dispatch.NewRegistry(engine, gauge, st, resolver, cfg.Dispatch)
	defer registry.Close()

	var poller *accounting.Poller
	var bridge *accounting.BridgeClient
	if cfg.Accounting.PullURL != "" {
		bridge = accounting.NewBridgeClient(cfg.Accounting, nil)
		resolverChain := accounting.NewResolver(st, registry)
		lock := distlock.NewLock(rdb, st.DB(), "dispatch:acct:poller:"+cfg.Accounting.SourceKind, 2*time.Minute)
		poller = accounting.NewPoller(bridge, st, resolverChain, registry, rdb, lock, resolver, cfg.Accounting)
		go poller.Run(rootCtx)

		reconciler := accounting.NewReconciler(st, cfg.Accounting.ReconcileCron)
		if err := reconciler.Start(); err != nil {
			log.Fatalf("Failed to schedule reconciliation: %v", err)
		}
		defer reconciler.Stop()
	} else {
		log.Printf("[main] BRIDGE_PULL_URL not set, accounting ingestion disabled")
	}

	handlers := api.NewHandlers(registry, st, gauge, tracker, poller, bridge, resolver, cfg.Accounting.SourceKind)
	server := api.NewServer(cfg.Server, handlers)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[main] Control surface listening on %s", addr)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("[main] Received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Printf("[main] Server error: %v", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] Server shutdown: %v", err)
	}
	cancel()
	log.Printf("[main] Shutdown complete")
}
