package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"zkdocdb/server/internal/auth"
	"zkdocdb/server/internal/chain"
	"zkdocdb/server/internal/config"
	"zkdocdb/server/internal/httpapi"
	"zkdocdb/server/internal/logging"
	"zkdocdb/server/internal/prover"
	"zkdocdb/server/internal/registry"
	"zkdocdb/server/internal/rollup"
	"zkdocdb/server/internal/service"
	"zkdocdb/server/internal/storage"
	"zkdocdb/server/internal/worker"
)

func main() {
	var configPath string
	rootCmd := &cobra.Command{
		Use:          "zkdocdb",
		Short:        "Verifiable document database server",
		SilenceUsage: true,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("ZKDB_CONFIG"), "YAML configuration file")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API and background workers",
			RunE: func(cmd *cobra.Command, args []string) error {
				return serve(cmd.Context(), configPath)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create or upgrade the storage schema",
			RunE: func(cmd *cobra.Command, args []string) error {
				app, err := open(cmd.Context(), configPath)
				if err != nil {
					return err
				}
				defer app.close()
				app.log.WithField("path", app.cfg.DBPath).Info("schema up to date")
				return nil
			},
		},
		rootCommand(&configPath),
		witnessCommand(&configPath),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func rootCommand(configPath *string) *cobra.Command {
	var database, at string
	cmd := &cobra.Command{
		Use:   "root",
		Short: "Print the Merkle root of a database",
		RunE: func(cmd *cobra.Command, args []string) error {
			when, err := parseAt(at)
			if err != nil {
				return err
			}
			app, err := open(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer app.close()
			root, err := app.svc.GetRoot(cmd.Context(), database, when)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), root.String())
			return nil
		},
	}
	cmd.Flags().StringVarP(&database, "db", "d", "", "Database name")
	cmd.Flags().StringVar(&at, "at", "", "RFC 3339 timestamp (default: now)")
	_ = cmd.MarkFlagRequired("db")
	return cmd
}

func witnessCommand(configPath *string) *cobra.Command {
	var database, at string
	var index uint64
	cmd := &cobra.Command{
		Use:   "witness",
		Short: "Print the Merkle witness of a leaf as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			when, err := parseAt(at)
			if err != nil {
				return err
			}
			app, err := open(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer app.close()
			w, err := app.svc.GetWitness(cmd.Context(), database, index, when)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{"index": index, "witness": w})
		},
	}
	cmd.Flags().StringVarP(&database, "db", "d", "", "Database name")
	cmd.Flags().Uint64VarP(&index, "index", "i", 0, "Leaf index")
	cmd.Flags().StringVar(&at, "at", "", "RFC 3339 timestamp (default: now)")
	_ = cmd.MarkFlagRequired("db")
	return cmd
}

func parseAt(value string) (time.Time, error) {
	if value == "" {
		return time.Now(), nil
	}
	at, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("--at: %w", err)
	}
	return at, nil
}

type app struct {
	cfg     config.Config
	logger  *logrus.Logger
	log     *logrus.Entry
	store   *storage.SQLiteStore
	network chain.Network
	svc     *service.Service
	closers []func()
}

// open loads configuration and wires storage, the chain adapter and the service.
func open(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, log: logging.Module(logger, logging.ModuleStorage)}

	store, err := storage.OpenSQLite(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, func() { _ = store.Close() })
	if err := store.Init(ctx); err != nil {
		a.close()
		return nil, err
	}

	chainLog := logging.Module(logger, logging.ModuleChain)
	switch cfg.Chain.Network {
	case "ethereum":
		eth, err := chain.DialEthereum(ctx, cfg.Chain.RPCURL, cfg.Chain.Confirmations, chainLog)
		if err != nil {
			a.close()
			return nil, err
		}
		a.network = eth
		a.closers = append(a.closers, eth.Close)
	default:
		chainLog.Warn("using the in-memory chain; rollups are not anchored anywhere")
		a.network = chain.NewMemory(cfg.Chain.Confirmations)
	}

	reg := registry.New(store)
	reg.SetDefaultHeight(cfg.Merkle.DefaultHeight)
	a.svc = service.New(reg,
		rollup.NewCoordinator(logging.Module(logger, logging.ModuleRollup)),
		a.network,
		logging.Module(logger, logging.ModuleService))
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func serve(ctx context.Context, configPath string) error {
	a, err := open(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()
	httpLog := logging.Module(a.logger, logging.ModuleHTTP)

	mux := http.NewServeMux()
	httpapi.NewServer(a.svc, httpLog).RegisterRoutes(mux)
	handler, err := withAuth(a.cfg.Auth, mux, a.svc, httpLog)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              a.cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		httpLog.WithField("addr", a.cfg.Listen).Info("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if a.cfg.Workers.Enabled {
		pool := worker.NewPool(a.svc, prover.NewAttestation(), a.network, worker.Config{
			ProofInterval:   a.cfg.Workers.ProofInterval,
			SubmitInterval:  a.cfg.Workers.SubmitInterval,
			ConfirmInterval: a.cfg.Workers.ConfirmInterval,
			ReapInterval:    a.cfg.Workers.ReapInterval,
			LeaseTimeout:    a.cfg.Workers.LeaseTimeout,
			Batch:           a.cfg.Workers.Batch,
		}, logging.Module(a.logger, logging.ModuleWorker))
		g.Go(func() error { return pool.Run(ctx) })
	}
	return g.Wait()
}

// withAuth wraps h with the development actor or the OIDC session flow. OIDC
// logins join the permission groups named by the groups claim.
func withAuth(cfg config.Auth, h http.Handler, svc *service.Service, log *logrus.Entry) (http.Handler, error) {
	if cfg.DevActor != "" {
		log.WithField("actor", cfg.DevActor).Warn("authentication disabled, acting as development actor")
		return auth.DevActorMiddleware(cfg.DevActor)(h), nil
	}
	sessions, err := auth.NewSessions(auth.SessionConfig{
		Key:    cfg.SessionKey,
		TTL:    cfg.SessionTTL,
		Secure: cfg.CookieSecure,
		Domain: cfg.CookieDomain,
	})
	if err != nil {
		return nil, err
	}
	provider, err := auth.NewOIDC(auth.OIDCConfig{
		IssuerURL:    cfg.IssuerURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		GroupsClaim:  cfg.GroupsClaim,
	}, sessions, func(ctx context.Context, id auth.Identity) error {
		log.WithField("actor", id.Actor).Info("actor logged in")
		return svc.JoinGroups(ctx, id.Actor, id.Groups)
	})
	if err != nil {
		return nil, err
	}
	return provider.Handler(h), nil
}
