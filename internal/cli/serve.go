package cli

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/c0deZ3R0/storefront-sync/config"
	"github.com/c0deZ3R0/storefront-sync/diagnostics"
	"github.com/c0deZ3R0/storefront-sync/logging"
	"github.com/c0deZ3R0/storefront-sync/metrics"
	"github.com/c0deZ3R0/storefront-sync/network"
	"github.com/c0deZ3R0/storefront-sync/storage"
	"github.com/c0deZ3R0/storefront-sync/synckit"
	"github.com/c0deZ3R0/storefront-sync/transport/httpremote"
	"github.com/c0deZ3R0/storefront-sync/transport/sse"
	"github.com/c0deZ3R0/storefront-sync/transport/ws"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr    string
	Remote  string
	Offline bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine and its diagnostics server",
		Long: `Run the sync engine against the configured REST API. Writes submitted to
PUT /v1/cache/{key} are applied optimistically and reconciled in the
background; the admin console reads status, conflicts and the event stream
from the same server.`,
		Example: `  syncd serve -c /etc/syncd.yaml
  syncd serve --remote http://localhost:3000/api/products --addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load configuration", err)
			}
			if opts.Addr != "" {
				cfg.Server.Addr = opts.Addr
			}
			if opts.Remote != "" {
				cfg.Remote.BaseURL = opts.Remote
			}
			if opts.Offline {
				cfg.Network.StartOnline = false
				cfg.Network.ProbeURL = ""
			}
			if err := cfg.Validate(); err != nil {
				return WrapExitError(ExitFailure, "invalid configuration", err)
			}

			logger := logging.NewLoggerTo(cmd.ErrOrStderr(), cfg.Logging).Logger
			d, err := newDaemon(cfg, logger)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to start", err)
			}
			defer d.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return d.run(ctx)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "diagnostics listen address (overrides server.addr)")
	cmd.Flags().StringVar(&opts.Remote, "remote", "", "REST API base URL (overrides remote.base_url)")
	cmd.Flags().BoolVar(&opts.Offline, "offline", false, "start offline and disable connectivity probing")
	return cmd
}

// daemon wires the engine to its collaborators.
type daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	engine  *synckit.Engine
	monitor *network.Monitor
	journal storage.Journal
	hub     *ws.Hub
	handler http.Handler
	detach  []func()
	addr    atomic.Value // string, set once listening
}

func newDaemon(cfg *config.Config, logger *slog.Logger) (_ *daemon, err error) {
	d := &daemon{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	d.monitor = network.NewMonitor(cfg.Network.StartOnline, network.WithLogger(logger))
	collector := metrics.NewCollector()

	d.engine, err = synckit.New(
		synckit.WithConfig(cfg.Engine),
		synckit.WithRuleConfig(cfg.Conflicts),
		synckit.WithNetworkMonitor(d.monitor),
		synckit.WithMetrics(collector),
		synckit.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	remoteOpts := []httpremote.Option{
		httpremote.WithHTTPClient(&http.Client{Timeout: cfg.Remote.Timeout}),
		httpremote.WithLimits(httpremote.Limits{
			MaxBodyBytes: cfg.Remote.MaxBodyBytes,
			EnableGzip:   cfg.Remote.EnableGzip,
			GzipMinBytes: 1024,
		}),
		httpremote.WithLogger(logger),
	}
	if cfg.Remote.Method != "" {
		remoteOpts = append(remoteOpts, httpremote.WithMethod(cfg.Remote.Method))
	}
	for k, v := range cfg.Remote.Headers {
		remoteOpts = append(remoteOpts, httpremote.WithHeader(k, v))
	}
	remote := httpremote.NewClient(cfg.Remote.BaseURL, remoteOpts...)

	d.hub = ws.NewHub(ws.Config{
		BufferSize:   cfg.Server.StreamBuffer,
		PingInterval: cfg.Server.PingInterval,
	}, logger)
	d.detach = append(d.detach, d.hub.Attach(d.engine.Bus()))

	srv := &diagnostics.Server{
		Engine:  d.engine,
		Remote:  remote,
		Fetcher: remote,
		Metrics: collector,
		Hub:     d.hub,
		Logger:  logger,
	}

	journal, err := openStore(cfg.Journal, logger)
	if err != nil {
		return nil, err
	}
	if journal != nil {
		d.journal = journal
		d.detach = append(d.detach, d.journal.Attach(d.engine.Bus()))
		srv.Journal = d.journal
		srv.Stream = sse.NewServer(d.journal, logger)
	}

	d.handler = srv.Routes()
	return d, nil
}

// Addr returns the listen address once the server is up, or "".
func (d *daemon) Addr() string {
	s, _ := d.addr.Load().(string)
	return s
}

// run serves until ctx is done. The HTTP server, connectivity probe,
// journal pruning and periodic sweep all stop together.
func (d *daemon) run(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.cfg.Server.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	server := &http.Server{
		Handler:           d.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	if err := d.engine.StartPeriodicSync(d.cfg.Engine.SyncInterval); err != nil {
		ln.Close()
		return err
	}
	d.addr.Store(ln.Addr().String())

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		d.logger.Info("Diagnostics server listening", "addr", d.Addr())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		d.logger.Info("Shutting down")
		// Streams only end when their request context does.
		cancelBase()
		d.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if d.cfg.Network.ProbeURL != "" {
		probe := &network.HTTPProbe{URL: d.cfg.Network.ProbeURL, Timeout: d.cfg.Network.ProbeTimeout}
		g.Go(func() error {
			return ignoreCanceled(d.monitor.Watch(ctx, probe, d.cfg.Network.ProbeInterval))
		})
	}

	if d.journal != nil && d.cfg.Journal.Retention > 0 {
		g.Go(func() error {
			return ignoreCanceled(d.pruneLoop(ctx, time.Hour))
		})
	}

	return g.Wait()
}

func (d *daemon) pruneLoop(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if _, err := d.journal.Prune(ctx, time.Now().Add(-d.cfg.Journal.Retention)); err != nil && ctx.Err() == nil {
			logging.LogError(ctx, d.logger, err, "Journal prune failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *daemon) close() {
	if d.engine != nil {
		_ = d.engine.Close()
	}
	for _, fn := range d.detach {
		fn()
	}
	d.detach = nil
	if d.journal != nil {
		_ = d.journal.Close()
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
