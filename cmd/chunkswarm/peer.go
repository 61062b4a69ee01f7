package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/debswarm/chunkswarm/internal/audit"
	"github.com/debswarm/chunkswarm/internal/cache"
	"github.com/debswarm/chunkswarm/internal/config"
	"github.com/debswarm/chunkswarm/internal/congestion"
	"github.com/debswarm/chunkswarm/internal/engine"
	"github.com/debswarm/chunkswarm/internal/lifecycle"
	"github.com/debswarm/chunkswarm/internal/metrics"
	"github.com/debswarm/chunkswarm/internal/peers"
	"github.com/debswarm/chunkswarm/internal/ratelimit"
	"github.com/debswarm/chunkswarm/internal/storage"
	"github.com/debswarm/chunkswarm/internal/transport"
)

const shutdownTimeout = 5 * time.Second

type peerFlags struct {
	identity        int
	roster          string
	hasChunkFile    string
	masterChunkFile string
	maxConn         int
	metricsPort     int
	maxUploadRate   string
	auditPath       string
	graphFile       string
	cache           bool
}

func peerCmd() *cobra.Command {
	var f peerFlags

	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Run a peer",
		Long: `Run one peer of the swarm. Fetch requests are read from stdin, one
"GET <chunk-file> <output-file>" per line. A "GOT <chunk-file>" line is
printed on stdout when the output has been assembled.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			applyPeerFlags(cmd, cfg, &f)
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runPeer(ctx, cfg, os.Stdin, cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVarP(&f.identity, "id", "i", 0, "identity of this peer in the roster")
	cmd.Flags().StringVarP(&f.roster, "roster", "p", "", "peer roster file")
	cmd.Flags().StringVar(&f.hasChunkFile, "has-chunks", "", "manifest of chunks this peer starts with")
	cmd.Flags().StringVar(&f.masterChunkFile, "master-chunks", "", "master chunk file naming the data file")
	cmd.Flags().IntVarP(&f.maxConn, "max-conn", "m", 0, "maximum concurrent uploads")
	cmd.Flags().IntVar(&f.metricsPort, "metrics-port", 0, "metrics HTTP port (0 disables)")
	cmd.Flags().StringVar(&f.maxUploadRate, "max-upload-rate", "", "upload rate limit, e.g. 10MB/s (0 = unlimited)")
	cmd.Flags().StringVar(&f.auditPath, "audit-log", "", "JSON audit log path")
	cmd.Flags().StringVar(&f.graphFile, "graph-file", "", "window size trace output")
	cmd.Flags().BoolVar(&f.cache, "cache", false, "keep fetched chunks in the persistent cache")

	return cmd
}

// applyPeerFlags overrides cfg with every flag set on the command line.
func applyPeerFlags(cmd *cobra.Command, cfg *config.Config, f *peerFlags) {
	flags := cmd.Flags()
	if flags.Changed("id") {
		cfg.Peer.Identity = f.identity
	}
	if flags.Changed("roster") {
		cfg.Peer.RosterFile = f.roster
	}
	if flags.Changed("has-chunks") {
		cfg.Peer.HasChunkFile = f.hasChunkFile
	}
	if flags.Changed("master-chunks") {
		cfg.Peer.MasterChunkFile = f.masterChunkFile
	}
	if flags.Changed("max-conn") {
		cfg.Peer.MaxConn = f.maxConn
	}
	if flags.Changed("metrics-port") {
		cfg.Metrics.Port = f.metricsPort
	}
	if flags.Changed("max-upload-rate") {
		cfg.Transfer.MaxUploadRate = f.maxUploadRate
	}
	if flags.Changed("audit-log") {
		cfg.Audit.Path = f.auditPath
	}
	if flags.Changed("graph-file") {
		cfg.Audit.GraphFile = f.graphFile
	}
	if flags.Changed("cache") {
		cfg.Cache.Enabled = f.cache
	}
}

// runPeer runs one peer until ctx is cancelled or a component fails.
func runPeer(ctx context.Context, cfg *config.Config, stdin io.Reader, stdout io.Writer) error {
	logger, err := setupLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	clk := clock.New()

	roster, err := peers.LoadRoster(cfg.Peer.RosterFile)
	if err != nil {
		return err
	}
	dir, err := peers.NewDirectory(cfg.Peer.Identity, roster, clk)
	if err != nil {
		return err
	}

	m := metrics.New()

	auditLogger, err := openAudit(cfg, logger)
	if err != nil {
		return err
	}
	defer auditLogger.Close()

	var chunkCache *cache.Cache
	if cfg.Cache.Enabled {
		chunkCache, err = cache.New(cfg.Cache.Path, logger, clk)
		if err != nil {
			return fmt.Errorf("failed to open cache: %w", err)
		}
		defer chunkCache.Close()
	}

	tr, err := transport.Listen(dir.Self().Addr, logger, m)
	if err != nil {
		return err
	}
	defer tr.Close()

	limiter := ratelimit.New(cfg.Transfer.MaxUploadRateBytes(), clk)
	if limiter.Enabled() {
		logger.Info("Upload rate limit enabled",
			zap.String("rate", cfg.Transfer.MaxUploadRate),
			zap.Float64("budget_bytes", limiter.Tokens()))
	}

	engCfg := &engine.Config{
		MaxConn:      cfg.Peer.MaxConn,
		Timeout:      cfg.Transfer.TimeoutDuration(),
		MaxTimeouts:  cfg.Transfer.MaxTimeouts,
		PollInterval: cfg.Transfer.PollIntervalDuration(),
		Congestion: congestion.Config{
			Threshold: cfg.Transfer.SlowStartThreshold,
			RTT:       cfg.Transfer.AssumedRTTDuration(),
		},
		Metrics: m,
		Audit:   auditLogger,
		Cache:   chunkCache,
		Limiter: limiter,
		Clock:   clk,
		Output:  stdout,
	}
	session := engine.New(engCfg, dir, tr, logger)

	if err := seedSession(session, cfg); err != nil {
		return err
	}
	if n, err := session.LoadCache(); err != nil {
		logger.Warn("Failed to load cached chunks", zap.Error(err))
	} else if n > 0 {
		logger.Info("Loaded cached chunks", zap.Int("count", n))
	}

	logger.Info("Peer started",
		zap.Int("identity", cfg.Peer.Identity),
		zap.String("addr", dir.Self().Addr.String()),
		zap.Int("peers", len(dir.Others())),
		zap.Int("held", session.Held()))

	lc := lifecycle.New(ctx, clk)
	inbound := make(chan transport.Datagram, 256)
	control := make(chan string)

	lc.Go("transport", func(ctx context.Context) error {
		return tr.Serve(ctx, inbound)
	})
	lc.Go("engine", func(ctx context.Context) error {
		return session.Run(ctx, inbound, control)
	})
	if cfg.Metrics.Port > 0 {
		addr := net.JoinHostPort(cfg.Metrics.Bind, fmt.Sprint(cfg.Metrics.Port))
		lc.Go("metrics", func(ctx context.Context) error {
			return serveMetrics(ctx, addr, m, logger)
		})
	}

	// A blocked stdin read cannot be interrupted, so the reader is not
	// tracked by the lifecycle manager.
	go readControl(lc.Context(), stdin, control)

	<-lc.Done()
	logger.Info("Shutting down")

	err = lc.StopWithTimeout(shutdownTimeout)
	if errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("Shutdown timed out")
		return nil
	}
	return err
}

// seedSession loads the chunks this peer starts with.
func seedSession(s *engine.Session, cfg *config.Config) error {
	if cfg.Peer.HasChunkFile == "" {
		return nil
	}
	entries, err := storage.LoadManifest(cfg.Peer.HasChunkFile)
	if err != nil {
		return err
	}
	if cfg.Peer.MasterChunkFile == "" {
		return fmt.Errorf("has-chunk file %s needs a master chunk file", cfg.Peer.HasChunkFile)
	}
	master, err := storage.LoadMaster(cfg.Peer.MasterChunkFile)
	if err != nil {
		return err
	}
	return s.Seed(entries, master.DataFile)
}

func openAudit(cfg *config.Config, logger *zap.Logger) (audit.Logger, error) {
	var sinks audit.Multi
	if cfg.Audit.Path != "" {
		w, err := audit.NewJSONWriter(audit.JSONWriterConfig{
			Path:       cfg.Audit.Path,
			MaxSizeMB:  cfg.Audit.MaxSizeMB,
			MaxBackups: cfg.Audit.MaxBackups,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		logger.Info("Audit logging enabled", zap.String("path", cfg.Audit.Path))
		sinks = append(sinks, w)
	}
	if cfg.Audit.GraphFile != "" {
		f, err := os.Create(cfg.Audit.GraphFile)
		if err != nil {
			_ = sinks.Close()
			return nil, fmt.Errorf("failed to create graph file: %w", err)
		}
		sinks = append(sinks, audit.NewGraphWriter(f))
	}
	if len(sinks) == 0 {
		return &audit.NoopLogger{}, nil
	}
	return sinks, nil
}

// readControl forwards each stdin line to out and closes out at EOF.
func readControl(ctx context.Context, r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		select {
		case out <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
}

func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Metrics server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
