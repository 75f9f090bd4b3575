package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/samber/do"
	"github.com/serroba/forum-coord/internal/container"
	"github.com/serroba/forum-coord/internal/health"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func registerPackages(injector *do.Injector, options *container.Options) {
	do.ProvideValue(injector, options)
	container.LoggerPackage(injector)
	container.RedisPackage(injector)
	container.MetricsPackage(injector)
	container.EventsPackage(injector)
	container.CoordinationPackage(injector)
}

// app carries the injector built once options are parsed.
type app struct {
	injector *do.Injector
}

// command wraps fn with option parsing, signal handling and injector shutdown.
// A failing fn exits with status 1.
func (a *app) command(
	cmd *cobra.Command, fn func(ctx context.Context, cmd *cobra.Command, args []string) error,
) *cobra.Command {
	cmd.Run = humacli.WithOptions(func(cmd *cobra.Command, args []string, _ *container.Options) {
		if err := a.execute(cmd, args, fn); err != nil {
			os.Exit(1)
		}
	})

	return cmd
}

func (a *app) execute(
	cmd *cobra.Command, args []string, fn func(ctx context.Context, cmd *cobra.Command, args []string) error,
) error {
	logger := do.MustInvoke[*zap.Logger](a.injector)

	defer func() {
		if err := a.injector.Shutdown(); err != nil {
			logger.Error("service shutdown error", zap.Error(err))
		}

		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := fn(ctx, cmd, args); err != nil {
		logger.Error("command failed", zap.String("command", cmd.Name()), zap.Error(err))

		return err
	}

	return nil
}

func main() {
	a := &app{}

	cli := humacli.New(func(hooks humacli.Hooks, options *container.Options) {
		a.injector = do.New()
		registerPackages(a.injector, options)

		logger := do.MustInvoke[*zap.Logger](a.injector)

		hooks.OnStart(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			report := do.MustInvoke[*health.Handler](a.injector).Check(ctx)
			if report.Status != health.StatusOK {
				logger.Error("coordination store unavailable",
					zap.String("redis", options.RedisAddr), zap.Any("errors", report.Errors))
			} else {
				logger.Info("coordination store ready", zap.String("redis", options.RedisAddr))
			}

			if err := a.injector.Shutdown(); err != nil {
				logger.Error("service shutdown error", zap.Error(err))
			}
		})

		hooks.OnStop(func() {
			logger.Info("shutting down")

			if err := a.injector.Shutdown(); err != nil {
				logger.Error("service shutdown error", zap.Error(err))
			}
		})
	})

	root := cli.Root()
	root.Use = "coordctl"
	root.Short = "Operate the shared coordination primitives"

	root.AddCommand(
		a.pingCommand(),
		a.contendCommand(),
		a.memoFlushCommand(),
		a.limitStatusCommand(),
		a.limitPerformCommand(),
		a.limitRollbackCommand(),
		a.limitClearCommand(),
		a.limitClearAllCommand(),
		a.lockReleaseCommand(),
	)

	cli.Run()
}
