package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/fruitsalade/savesync/internal/client"
)

func newTokenCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the saved authentication token.",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "set [token]",
			Short: "Save a token. Reads it from the terminal when not given.",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				cfg, err := loadConfig(flags)
				if err != nil {
					return err
				}
				var token string
				if len(args) == 1 {
					token = args[0]
				} else if token, err = readToken(); err != nil {
					return err
				}
				if err := client.CheckToken(token, 0); err != nil {
					return err
				}
				tf := &client.TokenFile{Token: token, Server: cfg.ServerURL}
				if err := client.SaveToken(cfg.TokenFile, tf); err != nil {
					return fmt.Errorf("save token: %w", err)
				}
				fmt.Printf("Token saved to %s\n", cfg.TokenFile)
				if !tf.ExpiresAt.IsZero() {
					fmt.Printf("Expires: %s\n", tf.ExpiresAt.Format(time.RFC3339))
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Show the saved token's server and expiry.",
			Args:  cobra.NoArgs,
			RunE: func(_ *cobra.Command, _ []string) error {
				cfg, err := loadConfig(flags)
				if err != nil {
					return err
				}
				tf, err := client.LoadToken(cfg.TokenFile)
				if errors.Is(err, os.ErrNotExist) {
					fmt.Println("No saved token.")
					return nil
				}
				if err != nil {
					return err
				}
				fmt.Printf("Server:  %s\n", tf.Server)
				switch {
				case tf.ExpiresAt.IsZero():
					fmt.Println("Expires: never")
				case tf.IsExpired(0):
					fmt.Printf("Expires: %s (expired)\n", tf.ExpiresAt.Format(time.RFC3339))
				default:
					fmt.Printf("Expires: %s\n", tf.ExpiresAt.Format(time.RFC3339))
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Remove the saved token.",
			Args:  cobra.NoArgs,
			RunE: func(_ *cobra.Command, _ []string) error {
				cfg, err := loadConfig(flags)
				if err != nil {
					return err
				}
				if err := os.Remove(cfg.TokenFile); err != nil && !errors.Is(err, os.ErrNotExist) {
					return err
				}
				fmt.Println("Token removed.")
				return nil
			},
		},
	)
	return cmd
}

// readToken prompts without echo on a terminal and reads a line otherwise.
func readToken() (string, error) {
	if term.IsTerminal(int(syscall.Stdin)) {
		fmt.Fprint(os.Stderr, "Token: ")
		b, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read token: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read token: %w", err)
	}
	return strings.TrimSpace(line), nil
}
