package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/fruitsalade/savesync/internal/device"
	"github.com/fruitsalade/savesync/internal/title"
)

func newTitlesCmd(flags *globalFlags) *cobra.Command {
	var hash bool
	cmd := &cobra.Command{
		Use:   "titles",
		Short: "List local titles with container sizes and hash state.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(flags)
			if err != nil {
				return err
			}
			return a.listTitles(cmd.Context(), hash)
		},
	}
	cmd.Flags().BoolVar(&hash, "hash", false, "hash unhashed and stale containers before listing")
	return cmd
}

func (a *app) listTitles(parent context.Context, hash bool) error {
	ctx, stop := signalContext(parent)
	defer stop()

	if err := a.loader.Enumerate(ctx); err != nil {
		return fmt.Errorf("enumerate titles: %w", err)
	}
	if hash {
		if _, err := a.loader.HashPass(ctx); err != nil {
			return fmt.Errorf("hash titles: %w", err)
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tMEDIA\tSAVE\tEXTDATA")
	for _, t := range a.loader.Titles() {
		fmt.Fprintf(w, "%016X\t%s\t%s\t%s\t%s\n",
			t.ID(), t.ShortName(), t.Media(),
			containerSummary(t, device.Save), containerSummary(t, device.Extdata))
	}
	return w.Flush()
}

func containerSummary(t *title.Title, c device.Container) string {
	if !t.Accessible(c) {
		return "-"
	}
	n := len(t.ContainerFiles(c))
	state := hashState(t.HashState(c))
	if !t.LastHashValid(c) {
		state += ", read errors"
	}
	return fmt.Sprintf("%s in %d files (%s)", humanize.IBytes(uint64(t.Size(c))), n, state)
}

func hashState(s title.HashState) string {
	switch s {
	case title.HashComplete:
		return "hashed"
	case title.HashStale:
		return "stale"
	default:
		return "unhashed"
	}
}
