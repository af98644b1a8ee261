package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bjoelf/schwab-adapter/adapter/market"
	"github.com/bjoelf/schwab-adapter/adapter/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// restartDelay spaces out stream restarts while the market is open.
const restartDelay = 30 * time.Second

type streamTargets struct {
	equities []string
	options  []string
}

func streamCmd() *cobra.Command {
	var equities, options string
	var gated bool

	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Stream level one quotes",
		Long: `stream logs into the streaming API, subscribes to the given symbols and
prints every update. With --gate it only streams while the market is open and
resumes on the next session.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			targets := streamTargets{equities: splitList(equities), options: splitList(options)}
			if len(targets.equities) == 0 && len(targets.options) == 0 {
				return errors.New("nothing to stream: pass --equities and/or --options")
			}

			a, err := newApp()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if _, err := a.auth.EnsureAuthenticated(ctx); err != nil {
				return err
			}
			a.auth.StartAuthenticationKeeper(ctx)

			out := cmd.OutOrStdout()
			if !gated {
				return runStream(ctx, a, targets, out)
			}
			return runGated(ctx, a, targets, out)
		},
	}

	cmd.Flags().StringVar(&equities, "equities", "", "Comma separated equity symbols")
	cmd.Flags().StringVar(&options, "options", "", "Comma separated option symbols, e.g. AAPL241115C00200")
	cmd.Flags().BoolVar(&gated, "gate", false, "Stream only while the market session is open")
	return cmd
}

// runGated streams during market hours and idles outside them.
func runGated(ctx context.Context, a *app, targets streamTargets, out io.Writer) error {
	gate := market.NewGate()
	monitor := market.NewMonitor(a.client, gate, a.logger, market.WithMarketConfig(a.cfg.Market))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return monitor.Run(ctx)
	})
	g.Go(func() error {
		for {
			if err := gate.WaitOpen(ctx); err != nil {
				return nil
			}
			a.logger.Info("Market open, starting stream",
				"function", "runGated")

			streamCtx, cancel := context.WithCancel(ctx)
			go func() {
				if gate.WaitClosed(streamCtx) == nil {
					a.logger.Info("Market closed, stopping stream",
						"function", "runGated")
				}
				cancel()
			}()
			err := runStream(streamCtx, a, targets, out)
			cancel()

			if ctx.Err() != nil {
				return nil
			}
			if err != nil {
				a.logger.Error("Stream stopped",
					"function", "runGated",
					"error", err,
					"restart_in", restartDelay)
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(restartDelay):
				}
			}
		}
	})
	return g.Wait()
}

// runStream connects, subscribes and prints updates until ctx ends.
func runStream(ctx context.Context, a *app, targets streamTargets, out io.Writer) error {
	client := websocket.NewStreamClient(a.auth, a.client, a.logger, websocket.WithStreamConfig(a.cfg.Stream))
	defer client.Close()

	if err := client.Connect(ctx); err != nil {
		return err
	}
	if len(targets.equities) > 0 {
		if err := client.SubscribeLevelOneEquities(ctx, targets.equities, nil); err != nil {
			return err
		}
	}
	if len(targets.options) > 0 {
		if err := client.SubscribeLevelOneOptions(ctx, targets.options, nil); err != nil {
			return err
		}
	}

	h := websocket.NewMessageHandler(a.logger)
	h.Handle(websocket.ServiceLevelOneEquities, func(d websocket.Data) {
		quotes, err := websocket.DecodeLevelOneEquities(d)
		if err != nil {
			return
		}
		for _, q := range quotes {
			fmt.Fprintf(out, "%s %-8s bid=%s ask=%s last=%s vol=%d\n",
				d.Timestamp.Local().Format("15:04:05"), q.Symbol, q.Bid, q.Ask, q.Last, q.TotalVolume)
		}
	})
	h.Handle(websocket.ServiceLevelOneOptions, func(d websocket.Data) {
		quotes, err := websocket.DecodeLevelOneOptions(d)
		if err != nil {
			return
		}
		for _, q := range quotes {
			fmt.Fprintf(out, "%s %s bid=%s ask=%s last=%s oi=%d\n",
				d.Timestamp.Local().Format("15:04:05"), q.Symbol, q.Bid, q.Ask, q.Last, q.OpenInterest)
		}
	})

	err := h.Run(ctx, client)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
