// Package main runs the NTRIP relay daemon: the caster listener, the relay
// supervisor, and the reconciliation against the configured store.
package main

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"github.com/Nguyen15idhue/ntrip/caster"
	"github.com/Nguyen15idhue/ntrip/config"
	"github.com/Nguyen15idhue/ntrip/relay"
	"github.com/Nguyen15idhue/ntrip/storage"
)

var logger = golog.NewDevelopmentLogger("ntrip-relay")

func main() {
	utils.ContextualMain(mainWithArgs, logger)
}

// Arguments for the command.
type Arguments struct {
	ConfigFile  string            `flag:"config,usage=relay config file"`
	Port        utils.NetPortFlag `flag:"port,usage=caster port to listen on"`
	WatchConfig bool              `flag:"watch,usage=resync when the config file changes"`
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) (err error) {
	var argsParsed Arguments
	if err := utils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}

	cfg, err := config.Read(argsParsed.ConfigFile)
	if err != nil {
		return err
	}
	if argsParsed.Port != 0 {
		cfg.CasterPort = int(argsParsed.Port)
	}

	store, err := storage.NewStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, store.Close(context.Background()))
	}()
	seedStore(store, cfg, logger)

	cstr := caster.New(caster.Config{
		Host:       cfg.CasterHost,
		Port:       cfg.CasterPort,
		Operator:   cfg.CasterOperator,
		Identifier: cfg.CasterIdentifier,
		Country:    cfg.CasterCountry,
		Lat:        cfg.CasterLat,
		Lon:        cfg.CasterLon,
	}, store, clock.New(), logger)
	if err := cstr.Start(); err != nil {
		return err
	}

	supervisor := relay.NewSupervisor(store, cstr, clock.New(), logger, relay.Options{
		KeepAliveInterval:    config.Seconds(cfg.KeepAliveIntervalSec),
		KeepAliveAltitude:    cfg.KeepAliveAltitudeM,
		DataTimeout:          config.Seconds(cfg.DataTimeoutSec),
		ProbeTimeout:         config.Seconds(cfg.ProbeTimeoutSec),
		ReconnectInterval:    config.Seconds(cfg.ReconnectIntervalSec),
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	})
	defer supervisor.Shutdown()

	if err := supervisor.SyncWithStore(ctx); err != nil {
		logger.Errorw("initial reconciliation failed", "error", err)
	}

	var reloads <-chan config.Config
	if argsParsed.WatchConfig && argsParsed.ConfigFile != "" {
		watcher, err := config.NewWatcher(argsParsed.ConfigFile, logger)
		if err != nil {
			return err
		}
		defer func() {
			err = multierr.Combine(err, watcher.Close())
		}()
		reloads = watcher.Config()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case reloaded := <-reloads:
			logger.Infow("config file changed; resyncing")
			seedStore(store, reloaded, logger)
			if err := supervisor.SyncWithStore(ctx); err != nil {
				logger.Errorw("reconciliation after reload failed", "error", err)
			}
		}
	}
}

// seedStore applies file-defined stations and rovers to a memory store.
// Database-backed stores own their records and are left alone.
func seedStore(store storage.Store, cfg config.Config, logger golog.Logger) {
	memStore, ok := store.(*storage.MemoryStore)
	if !ok {
		if len(cfg.Stations) > 0 || len(cfg.Rovers) > 0 {
			logger.Warn("ignoring seed stations/rovers; store is not memory-backed")
		}
		return
	}
	for _, station := range cfg.Stations {
		memStore.AddStation(station)
	}
	for _, rover := range cfg.Rovers {
		memStore.AddRover(rover)
	}
	if len(cfg.Stations) > 0 || len(cfg.Rovers) > 0 {
		logger.Infow("seeded memory store",
			"stations", len(cfg.Stations), "rovers", len(cfg.Rovers))
	}
}
