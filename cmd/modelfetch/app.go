package main

import (
	"fmt"
	"time"

	"github.com/shepherd-project/modelfetch/internal/catalog"
	"github.com/shepherd-project/modelfetch/internal/config"
	"github.com/shepherd-project/modelfetch/internal/download"
	"github.com/shepherd-project/modelfetch/internal/fetch"
	"github.com/shepherd-project/modelfetch/internal/monitor"
	"github.com/shepherd-project/modelfetch/internal/progress"
	"github.com/shepherd-project/modelfetch/internal/storage"
	"github.com/shepherd-project/modelfetch/internal/version"
)

// app holds the components every subcommand shares
type app struct {
	cfg       *config.Config
	storage   *storage.Manager
	catalog   *catalog.Catalog
	resolver  catalog.Resolver
	downloads *download.Manager
}

func newApp(cfg *config.Config, ch progress.Channel) (*app, error) {
	storageMgr, err := storage.NewManager(&cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize session store: %w", err)
	}

	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		storageMgr.Close()
		return nil, err
	}

	userAgent := cfg.Download.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent()
	}
	timeout := time.Duration(cfg.Download.Timeout) * time.Second

	client := fetch.NewClient(fetch.Config{
		UserAgent: userAgent,
		Token:     cfg.Catalog.Token,
		Timeout:   timeout,
	}, nil)

	downloads := download.NewManager(client, storageMgr.GetStore(), monitor.FreeSpace, ch, download.Config{
		ChunkSize:     cfg.Download.ChunkSize,
		MaxConcurrent: cfg.Download.MaxConcurrent,
		Timeout:       timeout,
		UserAgent:     userAgent,
		MinFreeSpace:  uint64(cfg.Download.MinFreeSpace),
		DiscardStale:  cfg.Download.DiscardStale,
	})

	return &app{
		cfg:     cfg,
		storage: storageMgr,
		catalog: cat,
		resolver: catalog.Resolver{
			Endpoint:  cfg.Catalog.Endpoint,
			Directory: cfg.Download.Directory,
		},
		downloads: downloads,
	}, nil
}

// target resolves a catalog id into a download target
func (a *app) target(id string) (download.Target, error) {
	e, err := a.catalog.Get(id)
	if err != nil {
		return download.Target{}, err
	}
	return a.resolver.Target(e)
}

// Close pauses running downloads and closes the store
func (a *app) Close() error {
	derr := a.downloads.Close()
	serr := a.storage.Close()
	if derr != nil {
		return derr
	}
	return serr
}
