package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/fruitsalade/savesync/internal/client"
	"github.com/fruitsalade/savesync/internal/config"
	"github.com/fruitsalade/savesync/internal/device"
	"github.com/fruitsalade/savesync/internal/events"
	"github.com/fruitsalade/savesync/internal/loader"
	"github.com/fruitsalade/savesync/internal/logging"
	"github.com/fruitsalade/savesync/internal/queue"
	"github.com/fruitsalade/savesync/internal/remote"
	"github.com/fruitsalade/savesync/internal/retry"
	"github.com/fruitsalade/savesync/internal/title"
	"github.com/fruitsalade/savesync/internal/titlecache"
	"github.com/fruitsalade/savesync/internal/transfer"
)

// app wires the engine from configuration.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	events  *events.Broadcaster
	storage *device.FSStorage
	store   *titlecache.Store
	loader  *loader.Loader

	// Set by connect.
	client  *client.Client
	catalog *remote.Catalog
	queue   *queue.Queue
}

func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configFile)
	if err != nil {
		return nil, err
	}
	for dst, src := range map[*string]string{
		&cfg.ServerURL:   flags.serverURL,
		&cfg.DeviceRoot:  flags.deviceRoot,
		&cfg.CacheDir:    flags.cacheDir,
		&cfg.LogLevel:    flags.logLevel,
		&cfg.LogFormat:   flags.logFormat,
		&cfg.MetricsAddr: flags.metricsAddr,
	} {
		if src != "" {
			*dst = src
		}
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
		if term.IsTerminal(int(os.Stderr.Fd())) {
			cfg.LogFormat = "console"
		}
	}
	return cfg, nil
}

// newApp opens the device tree and title cache.
func newApp(flags *globalFlags) (*app, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	osFs := afero.NewOsFs()
	if err := osFs.MkdirAll(cfg.DeviceRoot, 0755); err != nil {
		return nil, fmt.Errorf("device root: %w", err)
	}
	storage := device.NewFSStorage(osFs, cfg.DeviceRoot)
	storage.NoResize = cfg.NoResize
	store, err := titlecache.NewStore(osFs, cfg.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("title cache: %w", err)
	}

	a := &app{
		cfg:     cfg,
		log:     logging.Named("cli"),
		events:  events.NewBroadcaster(),
		storage: storage,
		store:   store,
	}
	a.loader = loader.New(storage, store, loader.Options{
		RehashLow:    cfg.RehashLow,
		IdleInterval: cfg.HashInterval,
		Events:       a.events,
		OnContainerHashed: func(t *title.Title, _ device.Container) {
			if a.catalog != nil {
				a.catalog.Mark(t)
			}
		},
	})
	return a, nil
}

// connect builds the client, catalog and queue. It fails for a missing
// server URL or an expired token.
func (a *app) connect() error {
	if err := a.cfg.Validate(); err != nil {
		return err
	}
	token, err := a.token()
	if err != nil {
		return err
	}

	a.client = client.New(client.Config{
		BaseURL:        a.cfg.ServerURL,
		Timeout:        a.cfg.RequestTimeout,
		ConnectTimeout: a.cfg.ConnectTimeout,
		LowSpeedWindow: a.cfg.LowSpeedWindow,
		RetryConfig:    retry.DefaultConfig(),
		AuthToken:      token,
	})
	a.catalog = remote.New(a.client, a.events)
	a.queue = queue.New(a.client, transfer.New(a.client, a.cfg.CancelTimeout), a.catalog, queue.Options{
		Events:          a.events,
		Tick:            a.cfg.QueueTick,
		OnlineInterval:  a.cfg.OnlineInterval,
		OfflineInterval: a.cfg.OfflineInterval,
		Titles:          a.loader.Titles,
	})
	return nil
}

// token returns the configured token, falling back to the token file.
func (a *app) token() (string, error) {
	token := a.cfg.Token
	if token == "" && a.cfg.TokenFile != "" {
		tf, err := client.LoadToken(a.cfg.TokenFile)
		switch {
		case err == nil:
			if tf.IsExpired(time.Minute) {
				return "", fmt.Errorf("saved token %w; run 'savesync token set'", client.ErrTokenExpired)
			}
			token = tf.Token
		case !errors.Is(err, os.ErrNotExist):
			return "", err
		}
	}
	if token == "" {
		return "", nil
	}
	if err := client.CheckToken(token, time.Minute); err != nil {
		return "", err
	}
	return token, nil
}

func parseTitleID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("title id %q: want 16 hex digits", s)
	}
	return id, nil
}
