package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/scr53005/merchant-hub/config"
	"github.com/scr53005/merchant-hub/coordinator"
	"github.com/scr53005/merchant-hub/pii"
)

const shutdownTimeout = 10 * time.Second

func newRootCmd() *cobra.Command {
	v := viper.New()
	var configPath string

	root := &cobra.Command{
		Use:          "merchant-hub",
		Short:        "Poll coordination and transfer fan-out for merchant accounts",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("store", "", "coordination store driver (redis, memory)")
	_ = v.BindPFlag("log.level", root.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("store.driver", root.PersistentFlags().Lookup("store"))

	load := func() (config.Config, *zap.Logger, error) {
		cfg, err := config.Load(v, configPath)
		if err != nil {
			return config.Config{}, nil, err
		}
		logger, err := newLogger(cfg.Log)
		if err != nil {
			return config.Config{}, nil, err
		}
		return cfg, logger, nil
	}

	root.AddCommand(newServeCmd(v, load), newPollCmd(v, load), newStatusCmd(load), newPIIHashCmd())
	return root
}

type loader func() (config.Config, *zap.Logger, error)

func newServeCmd(v *viper.Viper, load loader) *cobra.Command {
	var leader, fallback bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with the fast and slow pollers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()
			return serve(ctx, a, leader, fallback)
		},
	}
	cmd.Flags().String("addr", "", "HTTP listen address")
	cmd.Flags().BoolVar(&leader, "leader", true, "compete for the lease and poll at the fast interval")
	cmd.Flags().BoolVar(&fallback, "fallback", true, "poll at the slow interval while nobody polls fast")
	_ = v.BindPFlag("http.addr", cmd.Flags().Lookup("addr"))
	return cmd
}

func serve(ctx context.Context, a *app, leader, fallback bool) error {
	cfg := a.cfg
	var runner *coordinator.LeaderRunner
	if leader {
		r, err := coordinator.NewLeaderRunner(a.engine, coordinator.RunnerConfig{
			CandidateID:     cfg.Lease.CandidateID,
			RenewInterval:   cfg.Lease.RenewInterval,
			AcquireInterval: cfg.Lease.AcquireInterval,
			PollInterval:    cfg.Poll.FastInterval,
		}, a.logger.Named("runner"))
		if err != nil {
			return err
		}
		runner = r
	}
	var scheduler *coordinator.FallbackScheduler
	if fallback {
		s, err := coordinator.NewFallbackScheduler(a.engine, coordinator.FallbackConfig{
			CandidateID: cfg.Lease.CandidateID + "-fallback",
			Interval:    cfg.Poll.SlowInterval,
		}, a.logger.Named("fallback"))
		if err != nil {
			return err
		}
		scheduler = s
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           newRouter(&apiServer{engine: a.engine, runner: runner, logger: a.logger}, a.metrics, a.logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http_listening", zap.String("addr", srv.Addr), zap.String("candidate_id", cfg.Lease.CandidateID))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if runner != nil {
		g.Go(func() error {
			runner.Run(gctx)
			return nil
		})
	}
	if scheduler != nil {
		g.Go(func() error {
			scheduler.Run(gctx)
			return nil
		})
	}
	err := g.Wait()
	a.logger.Info("shutdown_complete")
	return err
}

func newPollCmd(v *viper.Viper, load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Acquire the lease, run one poll cycle and release",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := openApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()
			return pollOnce(ctx, a.engine, cfg.Lease.CandidateID, cmd.OutOrStdout())
		},
	}
	cmd.Flags().String("candidate", "", "candidate id (defaults to hostname plus a random suffix)")
	_ = v.BindPFlag("lease.candidateId", cmd.Flags().Lookup("candidate"))
	return cmd
}

type pollOutput struct {
	Leader coordinator.LeaderResult `json:"leader"`
	Cycle  *coordinator.CycleResult `json:"cycle,omitempty"`
}

func pollOnce(ctx context.Context, engine *coordinator.Engine, candidateID string, out io.Writer) error {
	leader, err := engine.BecomeLeader(ctx, candidateID)
	if err != nil {
		return err
	}
	result := pollOutput{Leader: leader}
	if leader.Accepted {
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			_, _ = engine.ReleaseLeadership(releaseCtx, candidateID)
		}()
		cycle, err := engine.RunPollCycle(ctx, candidateID)
		if err != nil {
			return err
		}
		result.Cycle = &cycle
	}
	return printJSON(out, result)
}

func newStatusCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the lease holder and polling mode",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			a, err := openCoordination(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()
			state, err := a.heartbeat.Read(cmd.Context(), time.Now(), cfg.Poll.HeartbeatTimeout)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), coordinator.StatusOf(state))
		},
	}
}

func newPIIHashCmd() *cobra.Command {
	var value string
	cmd := &cobra.Command{
		Use:   "piihash",
		Short: "Print the log hash of an account or memo",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if value == "" {
				return errors.New("--value is required")
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), pii.Hash(value))
			return err
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "value to hash")
	return cmd
}

func printJSON(w io.Writer, payload any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}
