package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fruitsalade/savesync/internal/device"
	"github.com/fruitsalade/savesync/internal/events"
	"github.com/fruitsalade/savesync/internal/queue"
)

func newSyncCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sync <title-id> <upload|download> [save|extdata]",
		Short: "Upload or download one title and exit when done.",
		Long: "Queue an upload or download for every accessible container of a\n" +
			"title, or only the one named, and wait for the queue to drain.",
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTitleID(args[0])
			if err != nil {
				return err
			}
			var upload bool
			switch args[1] {
			case "upload":
				upload = true
			case "download":
			default:
				return fmt.Errorf("direction %q: want upload or download", args[1])
			}
			containers := device.Containers
			if len(args) == 3 {
				c, err := device.ParseContainer(args[2])
				if err != nil {
					return err
				}
				containers = []device.Container{c}
			}

			a, err := newApp(flags)
			if err != nil {
				return err
			}
			return a.syncTitle(cmd.Context(), id, upload, containers)
		},
	}
}

var errSyncFailed = errors.New("sync failed")

func (a *app) syncTitle(parent context.Context, id uint64, upload bool, containers []device.Container) error {
	if err := a.connect(); err != nil {
		return err
	}
	ctx, stop := signalContext(parent)
	defer stop()

	if err := a.loader.Enumerate(ctx); err != nil {
		return fmt.Errorf("enumerate titles: %w", err)
	}
	t := a.loader.Title(id)
	if t == nil {
		return fmt.Errorf("title %016X not found or has no accessible container", id)
	}

	queued := 0
	for _, c := range containers {
		if !t.Accessible(c) {
			if len(containers) == 1 {
				return fmt.Errorf("%s has no %s container", t, c)
			}
			continue
		}
		if a.queue.Enqueue(queue.Request{Type: queue.SyncType(upload, c), Title: t}) {
			queued++
		}
	}
	if queued == 0 {
		return fmt.Errorf("nothing to sync for %s", t)
	}

	sub := a.events.Subscribe()
	defer a.events.Unsubscribe(sub)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.queue.Run(runCtx) }()
	defer func() {
		cancel()
		<-done
	}()

	failed := false
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-sub:
			if ev.Type == events.RequestFailed {
				failed = true
			}
			if line := formatEvent(ev); line != "" {
				fmt.Println(line)
			}
		case <-ticker.C:
			// A failure pauses the queue; what is left will not run.
			if a.queue.Len() == 0 || (failed && !a.queue.Processing()) {
				if failed {
					return errSyncFailed
				}
				return nil
			}
		}
	}
}
