package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/xmdhs/kmsd/catalog"
	"github.com/xmdhs/kmsd/config"
	"github.com/xmdhs/kmsd/epid"
	"github.com/xmdhs/kmsd/kms"
	"github.com/xmdhs/kmsd/logger"
	"github.com/xmdhs/kmsd/metrics"
	"github.com/xmdhs/kmsd/server"
	"github.com/xmdhs/kmsd/store"
)

const metricsShutdownTimeout = 5 * time.Second

// flagFields copies a setting given on the command line over the layered
// configuration. Keys are flag names.
var flagFields = map[string]func(dst, src *config.Config){
	"ip":         func(d, s *config.Config) { d.IP = s.IP },
	"port":       func(d, s *config.Config) { d.Port = s.Port },
	"epid":       func(d, s *config.Config) { d.Epid = s.Epid },
	"lcid":       func(d, s *config.Config) { d.LCID = s.LCID },
	"count":      func(d, s *config.Config) { d.ClientCount = s.ClientCount },
	"activation": func(d, s *config.Config) { d.ActivationInterval = s.ActivationInterval },
	"renewal":    func(d, s *config.Config) { d.RenewalInterval = s.RenewalInterval },
	"hwid":       func(d, s *config.Config) { d.HWID = s.HWID },
	"catalog":    func(d, s *config.Config) { d.Catalog = s.Catalog },
	"sqlite":     func(d, s *config.Config) { d.SQLite = s.SQLite },
	"db": func(d, s *config.Config) {
		d.Database = s.Database
		d.SQLite = true
	},
	"memory-store":    func(d, s *config.Config) { d.MemoryStore = s.MemoryStore },
	"metrics-addr":    func(d, s *config.Config) { d.MetricsAddr = s.MetricsAddr },
	"idle-timeout":    func(d, s *config.Config) { d.IdleTimeout = s.IdleTimeout },
	"max-connections": func(d, s *config.Config) { d.MaxConnections = s.MaxConnections },
	"loglevel":        func(d, s *config.Config) { d.LogLevel = s.LogLevel },
}

type serveOptions struct {
	configPath string
	flags      *config.Config
}

// load layers the config file, PYKMS_* variables and the flags that were set
// on the command line, in that order.
func (o *serveOptions) load(fs afero.Fs, lookup func(string) (string, bool), set *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(fs, o.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	set.Visit(func(f *pflag.Flag) {
		if apply, ok := flagFields[f.Name]; ok {
			apply(cfg, o.flags)
		}
	})
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (o *serveOptions) addFlags(set *pflag.FlagSet) {
	f := o.flags
	set.StringVarP(&o.configPath, "config", "c", "",
		"YAML or TOML configuration file, re-read on SIGHUP")
	set.StringVar(&f.IP, "ip", f.IP, "IP address to listen on")
	set.IntVarP(&f.Port, "port", "p", f.Port, "Port to listen on")
	set.StringVarP(&f.Epid, "epid", "e", f.Epid, "Fixed ePID (generated per product if empty)")
	set.IntVarP(&f.LCID, "lcid", "l", f.LCID, "Locale ID used in generated ePIDs")
	set.IntVar(&f.ClientCount, "count", f.ClientCount,
		"Client count reported to clients (0 derives it from the request)")
	set.IntVarP(&f.ActivationInterval, "activation", "a", f.ActivationInterval,
		"Activation retry interval in minutes")
	set.IntVarP(&f.RenewalInterval, "renewal", "r", f.RenewalInterval,
		"Renewal interval in minutes")
	set.StringVarP(&f.HWID, "hwid", "w", f.HWID,
		"Hardware ID sent to V6 clients (16 hex characters or RANDOM)")
	set.StringVar(&f.Catalog, "catalog", f.Catalog,
		"Path to a KmsDataBase.xml (the embedded one if empty)")
	set.BoolVarP(&f.SQLite, "sqlite", "s", f.SQLite, "Persist client records in SQLite")
	set.StringVar(&f.Database, "db", f.Database, "SQLite database path, implies --sqlite")
	set.IntVar(&f.MemoryStore, "memory-store", f.MemoryStore,
		"Clients kept in memory without SQLite (0 disables persistence)")
	set.StringVar(&f.MetricsAddr, "metrics-addr", f.MetricsAddr,
		"Address of the Prometheus /metrics endpoint (disabled if empty)")
	set.DurationVar(&f.IdleTimeout, "idle-timeout", f.IdleTimeout,
		"Per packet read and write deadline (0 disables it)")
	set.Int64Var(&f.MaxConnections, "max-connections", f.MaxConnections,
		"Connections served at once")
	set.StringVarP(&f.LogLevel, "loglevel", "V", f.LogLevel,
		"Log level: debug, info, warn or error")
}

func serveCmd(ctx context.Context) *cobra.Command {
	o := &serveOptions{flags: config.Default()}

	cmd := &cobra.Command{
		Use:          "serve",
		Aliases:      []string{"server"},
		Short:        "Start the KMS server.",
		Example:      "kmsd serve --port 1688 --sqlite --db /var/lib/kmsd/clients.db",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			fs := afero.NewOsFs()
			load := func() (*config.Config, error) {
				return o.load(fs, os.LookupEnv, cmd.Flags())
			}
			cfg, err := load()
			if err != nil {
				return err
			}
			logger.Init(cfg.LogLevel)

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := newService(ctx, fs, cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)

			return svc.run(ctx, hup, load)
		},
	}

	o.addFlags(cmd.Flags())

	return cmd
}

type service struct {
	cfg     *config.Config
	policy  *kms.PolicyHolder
	store   store.Store
	metrics *metrics.Metrics
	kms     *server.KMSServer
}

func newService(ctx context.Context, fs afero.Fs, cfg *config.Config) (*service, error) {
	p, err := cfg.Policy()
	if err != nil {
		return nil, err
	}
	cat, err := catalog.Load(fs, cfg.Catalog)
	if err != nil {
		return nil, err
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	s := &service{
		cfg:     cfg,
		policy:  kms.NewPolicyHolder(p),
		store:   st,
		metrics: metrics.New(),
	}
	opts := []kms.Option{
		kms.WithCatalog(cat),
		kms.WithEpid(epid.New(cat)),
	}
	if st != nil {
		opts = append(opts, kms.WithStore(st))
	}
	engine := kms.NewEngine(s.policy, opts...)
	s.kms = server.NewKMSServer(server.Config{
		IP:             cfg.IP,
		Port:           cfg.Port,
		MaxConnections: cfg.MaxConnections,
		IdleTimeout:    cfg.IdleTimeout,
	}, engine, server.WithMetrics(s.metrics))

	logger.FromContext(ctx).Info().
		Int("products", len(cat.Apps)).
		Bool("sqlite", cfg.SQLite).
		Int("memory_store", cfg.MemoryStore).
		Str("hwid", fmt.Sprintf("%X", p.HWID)).
		Msg("KMS service configured")
	return s, nil
}

// openStore returns nil when neither SQLite nor a memory store is configured,
// so every request gets the current policy ePID.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.SQLite {
		db, err := store.OpenSQLite(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("opening database %s: %w", cfg.Database, err)
		}
		return db, nil
	}
	if cfg.MemoryStore == 0 {
		return nil, nil
	}
	mem, err := store.NewMemory(cfg.MemoryStore, nil)
	if err != nil {
		return nil, err
	}
	return mem, nil
}

// run serves until ctx is cancelled or a component fails. Each value on hup
// reloads the policy through load.
func (s *service) run(ctx context.Context, hup <-chan os.Signal, load func() (*config.Config, error)) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.kms.ListenAndServe(ctx)
	})

	if s.cfg.MetricsAddr != "" {
		srv := metrics.NewServer(s.cfg.MetricsAddr, s.metrics)
		g.Go(func() error {
			return metrics.Serve(srv)
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metricsShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
				s.reload(ctx, load)
			}
		}
	})

	return g.Wait()
}

// reload swaps in the policy of a freshly loaded configuration. Listener,
// store and catalog settings keep their startup values.
func (s *service) reload(ctx context.Context, load func() (*config.Config, error)) {
	l := logger.FromContext(ctx)

	cfg, err := load()
	if err != nil {
		l.Error().Err(err).Msg("reload failed, keeping current configuration")
		return
	}
	p, err := cfg.Policy()
	if err != nil {
		l.Error().Err(err).Msg("reload failed, keeping current configuration")
		return
	}
	if cfg.Address() != s.cfg.Address() {
		l.Warn().Str("address", cfg.Address()).Str("current", s.cfg.Address()).
			Msg("listen address change needs a restart, ignored")
	}
	logger.SetLevel(cfg.LogLevel)
	s.policy.Store(p)
	l.Info().Msg("configuration reloaded")
}

func (s *service) Close() error {
	if s.store == nil {
		return nil
	}
	return s.store.Close()
}
