package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/toriidb/api/txnwire"
	"github.com/sushant-115/toriidb/config"
	"github.com/sushant-115/toriidb/config/certs"
	"github.com/sushant-115/toriidb/core/commitstream"
	"github.com/sushant-115/toriidb/core/regionserver"
	"github.com/sushant-115/toriidb/core/transaction"
	"github.com/sushant-115/toriidb/core/write_engine/txnlog"
	"github.com/sushant-115/toriidb/pkg/logger"
	"github.com/sushant-115/toriidb/pkg/telemetry"
)

var (
	logManager   *txnlog.LogManager
	leases       *transaction.LeaseRegistry
	dispatcher   *regionserver.Server
	wireServer   *txnwire.Server
	publisher    *commitstream.Publisher
	statusServer *http.Server
	zlogger      *zap.Logger

	// Command-line flags. The config file carries everything; flags override
	// the handful of settings that differ per instance.
	configPath = flag.String("config", "", "Path to the TOML config file")
	listenAddr = flag.String("listen_addr", "", "Override server.listen_addr")
	statusAddr = flag.String("status_addr", "", "Override server.status_addr")
	logDir     = flag.String("log_dir", "", "Override log.dir")

	globalWG sync.WaitGroup

	// fatalCh wakes the shutdown goroutine when the dispatcher stops itself
	// after a storage failure.
	fatalCh = make(chan struct{}, 1)
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("CRITICAL: Failed to load configuration: %v", err)
	}
	applyFlagOverrides(&cfg)

	zlogger, err = logger.New(cfg.Logging)
	if err != nil {
		log.Fatalf("CRITICAL: Can't initialize zap logger: %v", err)
	}

	zlogger.Info("Starting ToriiDB region server",
		zap.String("listenAddr", cfg.Server.ListenAddr),
		zap.String("statusAddr", cfg.Server.StatusAddr),
		zap.String("logDir", cfg.Log.Dir),
		zap.Int("regions", len(cfg.Regions)),
		zap.Duration("leaseTimeout", cfg.Transactions.LeaseTimeout.Duration),
	)

	tel, telShutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		zlogger.Fatal("CRITICAL: Failed to initialize telemetry", zap.Error(err))
	}

	if err := initRegionServer(cfg, tel); err != nil {
		zlogger.Fatal("CRITICAL: Failed to initialize region server", zap.Error(err))
	}
	if err := registerInstruments(tel); err != nil {
		zlogger.Warn("Failed to register telemetry instruments", zap.Error(err))
	}

	stopChan := make(chan struct{})

	globalWG.Add(2)
	go startWireServer(cfg)
	go startStatusServer(cfg, tel)

	globalWG.Add(1)
	go watchStorageHealth(cfg.Server.HealthInterval.Duration, stopChan)

	setupSignalHandling(cfg, stopChan, telShutdown)

	globalWG.Wait()
	zlogger.Info("ToriiDB region server shut down gracefully.")
}

func applyFlagOverrides(cfg *config.Config) {
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *statusAddr != "" {
		cfg.Server.StatusAddr = *statusAddr
	}
	if *logDir != "" {
		cfg.Log.Dir = *logDir
	}
}

// initRegionServer builds the transaction log, lease registry, dispatcher and
// wire server, and recovers every configured region from its log.
func initRegionServer(cfg config.Config, tel *telemetry.Telemetry) error {
	zlogger.Info("Initializing region server components...")
	var err error

	logManager, err = txnlog.NewLogManager(cfg.Log.Dir, txnlog.Config{
		SegmentSizeLimit: cfg.Log.SegmentSizeLimit,
		ArchiveCopyRate:  cfg.Log.ArchiveCopyRate,
	}, zlogger)
	if err != nil {
		return fmt.Errorf("failed to open transaction log: %w", err)
	}

	leases = transaction.NewLeaseRegistry(
		cfg.Transactions.LeaseTimeout.Duration,
		cfg.Transactions.SweepInterval.Duration,
		zlogger,
	)
	leases.Start()

	dispatcher = regionserver.NewServer(logManager, leases, zlogger)

	if cfg.CommitStream.Enabled {
		if err := initCommitStream(cfg.CommitStream); err != nil {
			return fmt.Errorf("failed to start commit stream publisher: %w", err)
		}
	}

	for _, rc := range cfg.Regions {
		region, err := dispatcher.OpenRegion(rc.Name, regionserver.KeyRange{
			Start: rc.StartKey,
			End:   rc.EndKey,
		})
		if err != nil {
			return fmt.Errorf("failed to open region %s: %w", rc.Name, err)
		}
		stats := region.RecoveryStats()
		zlogger.Info("Region opened",
			zap.String("region", rc.Name),
			zap.String("range", region.Range().String()),
			zap.Int("recoveredTxns", stats.CommittedTxns),
			zap.Int("appliedMutations", stats.AppliedMutations),
		)
	}

	wireServer = txnwire.NewServer(dispatcher, zlogger, tel.Tracer)

	zlogger.Info("Region server components initialized")
	return nil
}

// initCommitStream connects the committed-transaction feed to its receiver.
// The publisher is registered before regions open so recovery-time state
// never reaches the stream, only transactions committed while serving.
func initCommitStream(cs config.CommitStreamConfig) error {
	tlsConf, err := certs.LoadClientTLSConfig(cs.CACert, cs.ClientCert, cs.ClientKey)
	if err != nil {
		return fmt.Errorf("failed to load commit stream TLS material: %w", err)
	}
	publisher, err = commitstream.NewPublisher(commitstream.PublisherConfig{
		Addr:              cs.Addr,
		URLPath:           cs.URLPath,
		TLS:               tlsConf,
		NumConnections:    cs.NumConnections,
		QueueCapacity:     cs.QueueCapacity,
		MaxBatchBytes:     cs.MaxBatchBytes,
		MaxBatchMessages:  cs.MaxBatchMessages,
		FlushInterval:     cs.FlushInterval.Duration,
		MaxWriteRetries:   cs.MaxWriteRetries,
		InitialBackoff:    cs.InitialBackoff.Duration,
		MaxBackoff:        cs.MaxBackoff.Duration,
		BackoffJitterFrac: cs.BackoffJitterFrac,
	}, zlogger)
	if err != nil {
		return err
	}
	dispatcher.AddCommitObserver(publisher)
	zlogger.Info("Commit stream publisher started", zap.String("addr", cs.Addr))
	return nil
}

// registerInstruments binds the server's counters to the telemetry meter.
// Values are pulled at scrape time, so the hot path pays nothing.
func registerInstruments(tel *telemetry.Telemetry) error {
	if err := tel.Int64ObservableCounter("toriidb_requests",
		"Client operations dispatched to regions",
		func() int64 { return int64(dispatcher.RequestCount()) }); err != nil {
		return err
	}
	if err := tel.Int64ObservableCounter("toriidb_txn_begins",
		"Transactions begun",
		func() int64 { b, _, _, _ := dispatcher.OpCounts(); return int64(b) }); err != nil {
		return err
	}
	if err := tel.Int64ObservableCounter("toriidb_txn_commits",
		"Transactions committed",
		func() int64 { _, c, _, _ := dispatcher.OpCounts(); return int64(c) }); err != nil {
		return err
	}
	if err := tel.Int64ObservableCounter("toriidb_txn_conflicts",
		"Transactions refused at validation for a conflicting commit",
		func() int64 { _, _, c, _ := dispatcher.OpCounts(); return int64(c) }); err != nil {
		return err
	}
	if err := tel.Int64ObservableCounter("toriidb_txn_aborts",
		"Transactions aborted by their client",
		func() int64 { _, _, _, a := dispatcher.OpCounts(); return int64(a) }); err != nil {
		return err
	}
	if err := tel.Int64ObservableGauge("toriidb_active_leases",
		"Transactions currently holding a lease",
		func() int64 { return int64(leases.Len()) }); err != nil {
		return err
	}
	if err := tel.Int64ObservableCounter("toriidb_expired_leases",
		"Transactions reclaimed by the lease sweeper",
		func() int64 { return int64(leases.ExpiredTotal()) }); err != nil {
		return err
	}
	if err := tel.Int64ObservableGauge("toriidb_log_seq",
		"Last durable transaction log sequence number",
		func() int64 { return int64(logManager.CurrentSeq()) }); err != nil {
		return err
	}
	if err := tel.Int64ObservableCounter("toriidb_log_appends",
		"Records appended to the transaction log",
		func() int64 { n, _ := logManager.AppendStats(); return int64(n) }); err != nil {
		return err
	}
	if err := tel.Float64ObservableCounter("toriidb_log_append_seconds",
		"Cumulative wall time spent appending to the transaction log",
		func() float64 { _, d := logManager.AppendStats(); return d.Seconds() }); err != nil {
		return err
	}
	if publisher != nil {
		if err := tel.Int64ObservableCounter("toriidb_stream_enqueued",
			"Commit events handed to the stream publisher",
			func() int64 { return int64(publisher.Stats().Enqueued) }); err != nil {
			return err
		}
		if err := tel.Int64ObservableCounter("toriidb_stream_dropped",
			"Commit events dropped because the stream queue was full",
			func() int64 { return int64(publisher.Stats().Dropped) }); err != nil {
			return err
		}
	}
	return nil
}

func startWireServer(cfg config.Config) {
	defer globalWG.Done()
	zlogger.Info("Wire server starting", zap.String("address", cfg.Server.ListenAddr))
	if err := wireServer.ListenAndServe(cfg.Server.ListenAddr); err != nil {
		zlogger.Error("Wire server failed to serve", zap.Error(err))
	} else {
		zlogger.Info("Wire server stopped gracefully.")
	}
}

func startStatusServer(cfg config.Config, tel *telemetry.Telemetry) {
	defer globalWG.Done()
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(dispatcher.Status()); err != nil {
			zlogger.Error("Failed to encode status response", zap.Error(err))
		}
	})
	mux.Handle("/metrics", tel.Handler())

	statusServer = &http.Server{
		Addr:    cfg.Server.StatusAddr,
		Handler: mux,
	}

	zlogger.Info("Status server starting", zap.String("address", cfg.Server.StatusAddr))
	if err := statusServer.ListenAndServe(); err != http.ErrServerClosed {
		zlogger.Error("Status server failed to serve or closed unexpectedly", zap.Error(err))
	} else {
		zlogger.Info("Status server stopped gracefully.")
	}
}

// watchStorageHealth probes the transaction log on a timer. A failed probe
// stops the dispatcher, and a stopped dispatcher takes the whole process
// down so the supervisor can restart it into log recovery.
func watchStorageHealth(interval time.Duration, stopChan chan struct{}) {
	defer globalWG.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopChan:
			return
		case <-ticker.C:
			if err := dispatcher.CheckStorageHealth(); err != nil {
				zlogger.Error("Storage health check failed", zap.Error(err))
			}
			if dispatcher.Stopped() {
				select {
				case fatalCh <- struct{}{}:
				default:
				}
				return
			}
		}
	}
}

func setupSignalHandling(cfg config.Config, stopChan chan struct{}, telShutdown telemetry.ShutdownFunc) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-signals:
			zlogger.Info("Received signal, initiating graceful shutdown", zap.String("signal", sig.String()))
		case <-fatalCh:
			zlogger.Error("Dispatcher stopped after storage failure, shutting down")
		}

		closeRegionServer(cfg, telShutdown)
		close(stopChan)
	}()
}

// closeRegionServer tears components down in dependency order: stop taking
// requests, drain the regions, flush the commit stream, then release the
// lease sweeper and the log.
func closeRegionServer(cfg config.Config, telShutdown telemetry.ShutdownFunc) {
	grace := cfg.Server.ShutdownGrace.Duration
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if wireServer != nil {
		zlogger.Info("Closing wire server...")
		if err := wireServer.Close(); err != nil {
			zlogger.Error("Error closing wire server", zap.Error(err))
		}
	}
	if dispatcher != nil {
		zlogger.Info("Draining regions...")
		if err := dispatcher.Shutdown(ctx); err != nil {
			zlogger.Error("Error draining regions", zap.Error(err))
		}
	}
	if publisher != nil {
		zlogger.Info("Flushing commit stream publisher...")
		if err := publisher.Close(); err != nil {
			zlogger.Error("Error closing commit stream publisher", zap.Error(err))
		}
	}
	if leases != nil {
		leases.Stop()
	}
	if logManager != nil {
		zlogger.Info("Closing transaction log...")
		if err := logManager.Close(); err != nil {
			zlogger.Error("Error closing transaction log", zap.Error(err))
		}
	}
	if statusServer != nil {
		if err := statusServer.Shutdown(ctx); err != nil {
			zlogger.Error("Error during status server shutdown", zap.Error(err))
		}
	}
	if err := telShutdown(ctx); err != nil {
		zlogger.Error("Error during telemetry shutdown", zap.Error(err))
	}
	zlogger.Info("Region server components closed/stopped.")
}
