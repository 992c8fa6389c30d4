package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fruitsalade/savesync/internal/device"
)

func newStatusCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Ping the server and show which local titles are out of sync.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(flags)
			if err != nil {
				return err
			}
			return a.status(cmd.Context())
		},
	}
}

func (a *app) status(parent context.Context) error {
	if err := a.connect(); err != nil {
		return err
	}
	ctx, stop := signalContext(parent)
	defer stop()

	start := time.Now()
	if err := a.client.Status(ctx); err != nil {
		fmt.Printf("server:  %s (offline: %v)\n", a.cfg.ServerURL, err)
		return nil
	}
	fmt.Printf("server:  %s (online, %s)\n", a.cfg.ServerURL, time.Since(start).Round(time.Millisecond))

	if err := a.catalog.Refresh(ctx); err != nil {
		return fmt.Errorf("fetch catalog: %w", err)
	}
	fmt.Printf("catalog: %d titles\n", a.catalog.Len())

	if err := a.loader.Enumerate(ctx); err != nil {
		return fmt.Errorf("enumerate titles: %w", err)
	}
	out := 0
	for _, t := range a.loader.Titles() {
		a.catalog.Mark(t)
		mask := t.OutOfSync()
		if mask == 0 {
			continue
		}
		out++
		for _, c := range device.Containers {
			if mask&c.Bit() != 0 {
				fmt.Printf("  %s: %s differs\n", t, c)
			}
		}
	}
	fmt.Printf("local:   %d titles, %d out of sync\n", len(a.loader.Titles()), out)
	return nil
}
