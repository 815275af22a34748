package main

import (
	"context"
	"fmt"
	"time"

	"github.com/shepherd-project/modelfetch/internal/config"
	"github.com/shepherd-project/modelfetch/internal/logger"
	"github.com/shepherd-project/modelfetch/internal/monitor"
	"github.com/shepherd-project/modelfetch/internal/server"
	"github.com/shepherd-project/modelfetch/internal/shutdown"
	"github.com/shepherd-project/modelfetch/internal/websocket"

	"github.com/dustin/go-humanize"
)

func runServe(cfg *config.Config) error {
	var a *app
	events := websocket.NewManager(websocket.Options{
		AllowedOrigins: cfg.Security.AllowedOrigins,
		Active: func() int {
			if a == nil {
				return 0
			}
			return len(a.downloads.Active())
		},
	})

	a, err := newApp(cfg, events)
	if err != nil {
		return err
	}

	srv, err := server.NewServer(&server.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		ReadTimeout:    time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.Server.WriteTimeout) * time.Second,
		CORSEnabled:    cfg.Security.CORSEnabled,
		AllowedOrigins: cfg.Security.AllowedOrigins,
		Debug:          cfg.Log.Level == "debug",
	}, server.Deps{
		Downloads: a.downloads,
		Catalog:   a.catalog,
		Resolver:  a.resolver,
		Events:    events,
	})
	if err != nil {
		a.Close()
		return err
	}

	disk := monitor.NewDiskMonitor(monitor.DiskMonitorConfig{
		Directory: cfg.Download.Directory,
		Interval:  time.Minute,
		LowWater:  uint64(cfg.Download.MinFreeSpace),
	})
	disk.Watch(func(info *monitor.DiskInfo) {
		logger.Debugf("download directory %s: %s free of %s", info.Path,
			humanize.IBytes(info.Free), humanize.IBytes(info.Total))
	})

	shutdownMgr := shutdown.NewManager(30 * time.Second)
	shutdownMgr.Register("http-server", srv.Shutdown, shutdown.PriorityCritical)
	shutdownMgr.Register("disk-monitor", func(ctx context.Context) error {
		disk.Stop()
		return nil
	}, shutdown.PriorityCritical)
	shutdownMgr.Register("downloads", func(ctx context.Context) error {
		return a.downloads.Close()
	}, shutdown.PriorityHigh)
	shutdownMgr.Register("session-store", func(ctx context.Context) error {
		return a.storage.Close()
	}, shutdown.PriorityNormal)
	shutdownMgr.Register("logger", func(ctx context.Context) error {
		logger.Info("logger closing")
		return nil
	}, shutdown.PriorityLow)

	if err := srv.Start(); err != nil {
		a.Close()
		return err
	}
	if err := disk.Start(); err != nil {
		logger.Warnf("disk monitor not started: %v", err)
	}
	shutdownMgr.Start()

	logger.Infof("catalog %s: %d models", cfg.Catalog.Path, a.catalog.Len())
	fmt.Printf("modelfetch listening on http://%s\n", cfg.Server.Address())
	fmt.Printf("downloads go to %s\n", cfg.Download.Directory)
	fmt.Println("press Ctrl+C to stop")

	<-shutdownMgr.Done()
	shutdownMgr.Wait()
	return nil
}
