package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	onboard "github.com/goliatone/go-onboarding"
	"github.com/goliatone/go-onboarding/pkg/activity"
	"github.com/goliatone/go-onboarding/pkg/backend"
	"github.com/goliatone/go-onboarding/pkg/controller"
	"github.com/goliatone/go-onboarding/pkg/httpapi"
)

// app holds the components shared by every subcommand.
type app struct {
	cfg        config
	logger     *zap.Logger
	client     *backend.Client
	store      storeCloser
	validators onboard.Validators
	emitter    *activity.Emitter
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:           "onboard",
		Short:         "Walk and serve the onboarding flow",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	if err := bindFlags(root, v); err != nil {
		panic(err)
	}
	root.AddCommand(
		newRunCommand(v),
		newServeCommand(v),
		newResetCommand(v),
		newRulesCommand(),
	)
	return root
}

func setup(v *viper.Viper) (*app, error) {
	cfg, err := loadConfig(v)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Verbose)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	sugar := logger.Sugar()

	client, err := backend.NewClient(cfg.Backend,
		backend.WithBearerToken(cfg.Token),
		backend.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		backend.WithLogger(sugar),
	)
	if err != nil {
		return nil, err
	}
	validators, err := loadValidators(cfg.Rules, sugar)
	if err != nil {
		return nil, err
	}
	store, err := openStore(cfg.State)
	if err != nil {
		return nil, err
	}
	emitter := activity.NewEmitter(activity.Hooks{activity.HookFunc(func(_ context.Context, event activity.Event) error {
		sugar.Debugw("onboarding activity",
			"verb", event.Verb,
			"object", event.ObjectID,
			"metadata", event.Metadata,
		)
		return nil
	})}, activity.Config{Enabled: cfg.Verbose})

	return &app{
		cfg:        cfg,
		logger:     logger,
		client:     client,
		store:      store,
		validators: validators,
		emitter:    emitter,
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close progress store", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func (a *app) newController(storageKey string, identity controller.Identity, extra ...controller.Option) (*controller.Controller, error) {
	opts := []controller.Option{
		controller.WithStorage(a.store),
		controller.WithStorageKey(storageKey),
		controller.WithValidators(a.validators),
		controller.WithLogger(a.logger.Sugar()),
		controller.WithEmitter(a.emitter),
		controller.WithIdentity(identity),
	}
	return controller.New(a.client, append(opts, extra...)...)
}

func newRunCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Answer the onboarding questions in the terminal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(v)
			if err != nil {
				return err
			}
			defer a.close()

			ctrl, err := a.newController(onboard.DefaultStorageKey, controller.Identity{SessionID: "cli"})
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return walk(ctx, ctrl, a.cfg.Step, newPromptUI(), cmd.OutOrStdout())
		},
	}
}

func newServeCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the onboarding flow over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(v)
			if err != nil {
				return err
			}
			defer a.close()

			registry := prometheus.NewRegistry()
			metrics, err := controller.NewMetrics(registry)
			if err != nil {
				return err
			}
			handler, err := httpapi.New(func(sessionID string) (*controller.Controller, error) {
				return a.newController(onboard.DefaultStorageKey+"."+sessionID,
					controller.Identity{SessionID: sessionID},
					controller.WithMetrics(metrics),
				)
			}, httpapi.WithLogger(a.logger.Sugar()))
			if err != nil {
				return err
			}

			if !a.cfg.Verbose {
				gin.SetMode(gin.ReleaseMode)
			}
			router := httpapi.NewRouter(handler)
			router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

			srv := &http.Server{
				Addr:              a.cfg.Addr,
				Handler:           router,
				ReadHeaderTimeout: 10 * time.Second,
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			a.logger.Info("serving onboarding", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().String("addr", ":8090", "listen address")
	_ = v.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	return cmd
}

func newResetCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Discard stored onboarding progress",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(v)
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.store.Remove(onboard.DefaultStorageKey); err != nil {
				return fmt.Errorf("reset progress: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "onboarding progress cleared")
			return nil
		},
	}
}

func newRulesCommand() *cobra.Command {
	rules := &cobra.Command{
		Use:   "rules",
		Short: "Inspect step rule files",
	}
	rules.AddCommand(&cobra.Command{
		Use:   "check FILE",
		Short: "Compile every rule of FILE",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return checkRules(args[0], cmd.OutOrStdout())
		},
	})
	return rules
}

func checkRules(path string, out io.Writer) error {
	set, err := onboard.LoadRulesFile(path)
	if err != nil {
		return err
	}
	if _, err := set.Apply(onboard.DefaultValidators()); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: %d step rules ok\n", path, len(set.Steps))
	return nil
}
