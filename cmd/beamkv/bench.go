package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-beamkv/internal/device"
	"github.com/23skdu/longbow-beamkv/internal/logger"
	"github.com/23skdu/longbow-beamkv/internal/monitoring"
)

type benchResult struct {
	Sessions  int
	Steps     int
	Elapsed   time.Duration
	Allocated int64
}

func (r benchResult) StepsPerSecond() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Steps) / r.Elapsed.Seconds()
}

func newBenchCmd(a *app) *cobra.Command {
	var (
		sessions int
		steps    int
		listen   string
		progress bool
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run concurrent synthetic beam search sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if sessions <= 0 || steps <= 0 {
				return fmt.Errorf("--sessions and --steps must be positive")
			}
			hm := monitoring.NewHealthMonitor()
			if listen != "" {
				go func() {
					if err := hm.Start(listen); err != nil {
						logger.Log.Error("health monitor failed", "error", err)
					}
				}()
				defer hm.Stop(context.Background())
			}

			var bar *progressbar.ProgressBar
			if progress {
				bar = progressbar.NewOptions(sessions*steps,
					progressbar.OptionSetWriter(cmd.ErrOrStderr()),
					progressbar.OptionSetDescription("Decoding"),
					progressbar.OptionSetWidth(40),
					progressbar.OptionShowCount(),
					progressbar.OptionShowIts(),
					progressbar.OptionSetTheme(progressbar.Theme{
						Saucer:        "=",
						SaucerHead:    ">",
						SaucerPadding: " ",
						BarStart:      "[",
						BarEnd:        "]",
					}),
				)
			}

			res, err := a.bench(cmd.Context(), hm, sessions, steps, func() {
				if bar != nil {
					bar.Add(1)
				}
			})
			if bar != nil {
				bar.Finish()
				fmt.Fprintln(cmd.ErrOrStderr())
			}
			if err != nil {
				hm.AddAlert("error", "session", err.Error())
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sessions=%d steps=%d elapsed=%s steps/s=%.1f peak_allocated=%d\n",
				res.Sessions, res.Steps, res.Elapsed.Round(time.Millisecond), res.StepsPerSecond(), res.Allocated)
			return nil
		},
	}
	cmd.Flags().IntVar(&sessions, "sessions", 4, "Concurrent decode sessions")
	cmd.Flags().IntVar(&steps, "steps", 32, "Decode steps per session")
	cmd.Flags().StringVar(&listen, "listen", "", "Serve /healthz, /status and /metrics on this address")
	cmd.Flags().BoolVar(&progress, "progress", true, "Show a progress bar")
	return cmd
}

// bench runs n sessions of steps decode steps each, one goroutine per
// session, and stops them all at the first failure.
func (a *app) bench(ctx context.Context, hm *monitoring.HealthMonitor, n, steps int, onStep func()) (benchResult, error) {
	var (
		mu   sync.Mutex
		live []*device.Context
		peak int64
	)
	allocated := func() int64 {
		mu.Lock()
		defer mu.Unlock()
		var total int64
		for _, c := range live {
			total += c.Allocated()
		}
		if total > peak {
			peak = total
		}
		return total
	}
	hm.SetAllocatedFunc(allocated)

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		seed := a.flags.seed + int64(i)
		g.Go(func() error {
			d, err := a.openDecoder(seed)
			if err != nil {
				return err
			}
			defer d.Close()

			mu.Lock()
			live = append(live, d.ctx)
			mu.Unlock()
			hm.SessionStarted()
			defer hm.SessionFinished()

			last := time.Now()
			err = d.session.Run(gctx, steps, func(int) {
				now := time.Now()
				hm.RecordStep(now.Sub(last))
				last = now
				onStep()
			})
			allocated()

			mu.Lock()
			for j, c := range live {
				if c == d.ctx {
					live = append(live[:j], live[j+1:]...)
					break
				}
			}
			mu.Unlock()
			return err
		})
	}
	err := g.Wait()

	mu.Lock()
	defer mu.Unlock()
	return benchResult{
		Sessions:  n,
		Steps:     n * steps,
		Elapsed:   time.Since(start),
		Allocated: peak,
	}, err
}
