package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/samber/do"
	"github.com/serroba/forum-coord/internal/health"
	"github.com/serroba/forum-coord/internal/kvstore"
	"github.com/serroba/forum-coord/internal/memoizer"
	"github.com/serroba/forum-coord/internal/mutex"
	"github.com/serroba/forum-coord/internal/ratelimit"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func (a *app) pingCommand() *cobra.Command {
	return a.command(&cobra.Command{
		Use:   "ping",
		Short: "Check connectivity to the coordination store",
		Args:  cobra.NoArgs,
	}, func(ctx context.Context, cmd *cobra.Command, _ []string) error {
		report := do.MustInvoke[*health.Handler](a.injector).Check(ctx)

		for _, name := range report.Names() {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", name, report.Components[name])
		}

		if report.Status != health.StatusOK {
			return fmt.Errorf("status %s", report.Status)
		}

		return nil
	})
}

func (a *app) contendCommand() *cobra.Command {
	var (
		workers    int
		iterations int
		key        string
	)

	cmd := a.command(&cobra.Command{
		Use:   "contend",
		Short: "Increment a shared counter from concurrent workers under one mutex",
		Args:  cobra.NoArgs,
	}, func(ctx context.Context, cmd *cobra.Command, _ []string) error {
		factory := do.MustInvoke[*mutex.Factory](a.injector)
		store := do.MustInvoke[*kvstore.Redis](a.injector)
		counterKey := key + ":counter"

		if err := store.Set(ctx, counterKey, "0", 0); err != nil {
			return err
		}

		started := time.Now()
		g, gctx := errgroup.WithContext(ctx)

		for range workers {
			m := factory.New(key)

			g.Go(func() error {
				for range iterations {
					err := m.Synchronize(gctx, func(ctx context.Context) error {
						return increment(ctx, store, counterKey)
					})
					if err != nil {
						return err
					}
				}

				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return err
		}

		final, err := store.Get(ctx, counterKey)
		if err != nil {
			return err
		}

		want := workers * iterations
		fmt.Fprintf(cmd.OutOrStdout(), "counter=%s expected=%d elapsed=%s\n",
			final, want, time.Since(started).Round(time.Millisecond))

		if final != strconv.Itoa(want) {
			return fmt.Errorf("lost updates: counter is %s, expected %d", final, want)
		}

		return store.Del(ctx, counterKey)
	})

	cmd.Flags().IntVar(&workers, "workers", 2, "Number of concurrent workers")
	cmd.Flags().IntVar(&iterations, "iterations", 100, "Increments per worker")
	cmd.Flags().StringVar(&key, "key", "resource-1", "Mutex key")

	return cmd
}

// increment is a deliberately unguarded read-modify-write.
func increment(ctx context.Context, store kvstore.Store, key string) error {
	raw, err := store.Get(ctx, key)
	if err != nil {
		return err
	}

	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("counter %q is not a number: %w", key, err)
	}

	return store.Set(ctx, key, strconv.Itoa(n+1), 0)
}

func (a *app) memoFlushCommand() *cobra.Command {
	return a.command(&cobra.Command{
		Use:   "memo-flush",
		Short: "Delete every memoized value",
		Args:  cobra.NoArgs,
	}, func(ctx context.Context, _ *cobra.Command, _ []string) error {
		return do.MustInvoke[*memoizer.Memoizer](a.injector).Flush(ctx)
	})
}

func (a *app) lockReleaseCommand() *cobra.Command {
	return a.command(&cobra.Command{
		Use:   "lock-release KEY",
		Short: "Force-delete a stale mutex record",
		Args:  cobra.ExactArgs(1),
	}, func(ctx context.Context, _ *cobra.Command, args []string) error {
		return do.MustInvoke[*mutex.Factory](a.injector).Release(ctx, args[0])
	})
}

// limiterFlags selects a limiter from ACTOR TYPE arguments.
type limiterFlags struct {
	staff  bool
	max    int
	window time.Duration
}

func (f *limiterFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.staff, "staff", false, "Treat the actor as staff")
	cmd.Flags().IntVar(&f.max, "max", 0, "Ad-hoc limit instead of the configured policy")
	cmd.Flags().DurationVar(&f.window, "window", time.Minute, "Window of the ad-hoc limit")
}

func (a *app) limiter(f *limiterFlags, args []string) (*ratelimit.Limiter, error) {
	factory := do.MustInvoke[*ratelimit.Factory](a.injector)
	actor := ratelimit.User{ID: args[0], Staff: f.staff}

	if f.max > 0 {
		return factory.New(actor, args[1], f.max, f.window), nil
	}

	return factory.For(actor, args[1])
}

func (a *app) limitCommand(
	use, short string, fn func(ctx context.Context, cmd *cobra.Command, l *ratelimit.Limiter) error,
) *cobra.Command {
	flags := &limiterFlags{}

	cmd := a.command(&cobra.Command{
		Use:   use + " ACTOR TYPE",
		Short: short,
		Args:  cobra.ExactArgs(2),
	}, func(ctx context.Context, cmd *cobra.Command, args []string) error {
		l, err := a.limiter(flags, args)
		if err != nil {
			return err
		}

		return fn(ctx, cmd, l)
	})

	flags.register(cmd)

	return cmd
}

func (a *app) limitStatusCommand() *cobra.Command {
	return a.limitCommand("limit-status", "Show the remaining allowance of an actor",
		func(ctx context.Context, cmd *cobra.Command, l *ratelimit.Limiter) error {
			remaining, err := l.Remaining(ctx)
			if err != nil {
				return err
			}

			wait, err := l.SecondsToWait(ctx)
			if err != nil {
				return err
			}

			allowed, err := l.CanPerform(ctx)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "key=%s max=%d window=%s remaining=%d wait=%ds allowed=%t\n",
				l.Key(), l.Max(), l.Window(), remaining, wait, allowed)

			return nil
		})
}

func (a *app) limitPerformCommand() *cobra.Command {
	return a.limitCommand("limit-perform", "Record one occurrence of an action",
		func(ctx context.Context, cmd *cobra.Command, l *ratelimit.Limiter) error {
			err := l.Performed(ctx)

			var exceeded *ratelimit.LimitExceeded
			if errors.As(err, &exceeded) {
				fmt.Fprintln(cmd.OutOrStdout(), exceeded.Description())
			}

			return err
		})
}

func (a *app) limitRollbackCommand() *cobra.Command {
	return a.limitCommand("limit-rollback", "Undo the most recent occurrence of an action",
		func(ctx context.Context, _ *cobra.Command, l *ratelimit.Limiter) error {
			return l.Rollback(ctx)
		})
}

func (a *app) limitClearCommand() *cobra.Command {
	return a.limitCommand("limit-clear", "Forget every occurrence of an action",
		func(ctx context.Context, _ *cobra.Command, l *ratelimit.Limiter) error {
			return l.Clear(ctx)
		})
}

func (a *app) limitClearAllCommand() *cobra.Command {
	return a.command(&cobra.Command{
		Use:   "limit-clear-all",
		Short: "Delete the state of every rate limiter",
		Args:  cobra.NoArgs,
	}, func(ctx context.Context, _ *cobra.Command, _ []string) error {
		return ratelimit.ClearAll(ctx, do.MustInvoke[*kvstore.Redis](a.injector))
	})
}
