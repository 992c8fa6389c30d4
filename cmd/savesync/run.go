package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fruitsalade/savesync/internal/events"
	"github.com/fruitsalade/savesync/internal/metrics"
)

func newRunCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the background sync engine until interrupted.",
		Long: "Enumerate and hash local titles, track server connectivity and\n" +
			"keep the remote catalog fresh. Nothing is uploaded or downloaded\n" +
			"unless requested.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(flags)
			if err != nil {
				return err
			}
			return a.run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func (a *app) run(parent context.Context) error {
	if err := a.connect(); err != nil {
		return err
	}
	ctx, stop := signalContext(parent)
	defer stop()

	if a.cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			a.log.Info("metrics listening", zap.String("addr", a.cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	sub := a.events.Subscribe()
	defer a.events.Unsubscribe(sub)
	go printEvents(sub)

	a.loader.Start(ctx)
	defer a.loader.Stop()

	a.log.Info("sync engine running",
		zap.String("server", a.cfg.ServerURL),
		zap.String("device", a.cfg.DeviceRoot))
	if err := a.queue.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.log.Info("shutting down")
	return nil
}

// printEvents writes user-facing events to stdout until ch closes.
func printEvents(ch <-chan events.Event) {
	for ev := range ch {
		if line := formatEvent(ev); line != "" {
			fmt.Println(line)
		}
	}
}

func formatEvent(ev events.Event) string {
	ts := ev.Timestamp.Format("15:04:05")
	switch ev.Type {
	case events.RequestFailed:
		return fmt.Sprintf("%s error: %s", ts, ev.Message)
	case events.RequestInfo:
		return fmt.Sprintf("%s %s", ts, ev.Message)
	case events.OnlineChanged:
		if ev.Online {
			return ts + " server online"
		}
		return ts + " server offline"
	case events.QueueChanged:
		return fmt.Sprintf("%s queue: %d pending", ts, ev.QueueLen)
	case events.Progress:
		if ev.Total > 0 && ev.Done == ev.Total {
			return fmt.Sprintf("%s %016X %s: %s transferred", ts, ev.TitleID, ev.Container, humanize.IBytes(uint64(ev.Done)))
		}
	}
	return ""
}
