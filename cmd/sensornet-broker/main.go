package main

import (
	"context"
	"errors"
	"flag"
	"os"

	"github.com/life-stream-dev/life-stream-sensornet/internal/bridge"
	"github.com/life-stream-dev/life-stream-sensornet/internal/broker"
	"github.com/life-stream-dev/life-stream-sensornet/internal/config"
	"github.com/life-stream-dev/life-stream-sensornet/internal/connection"
	"github.com/life-stream-dev/life-stream-sensornet/internal/database"
	"github.com/life-stream-dev/life-stream-sensornet/internal/event"
	"github.com/life-stream-dev/life-stream-sensornet/internal/journal"
	"github.com/life-stream-dev/life-stream-sensornet/internal/logger"
	"github.com/life-stream-dev/life-stream-sensornet/internal/server"
	"github.com/life-stream-dev/life-stream-sensornet/internal/wire"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "configuration file, JSON or YAML")
	flag.Parse()

	cfg, err := config.ReadConfig(*configPath)
	if err != nil {
		logger.FatalF("Error occured while reading config %v", err)
		os.Exit(1)
	}
	loggerCallback := logger.Init(cfg.DebugMode, cfg.LogPath)
	logger.Debug("Application initializing...")
	cleaner := event.NewCleaner()
	ctx := cleaner.Init(context.Background(), loggerCallback)
	fail := func(format string, v ...interface{}) {
		logger.FatalF(format, v...)
		_ = cleaner.Clean()
		os.Exit(1)
	}

	timing, _ := cfg.Protocol.Timing()
	runID := journal.NewRunID()
	logger.InfoF("Broker run %s, %d clients, topics %v", runID, cfg.Network.MaxClients, cfg.Network.Topics)

	options := []broker.Option{
		broker.WithEventHandler(func(e broker.Event) { logger.DebugF("Broker event %s", e) }),
	}

	if cfg.Journal.Enabled {
		w, err := journal.Open(cfg.Journal.Path, runID)
		if err != nil {
			fail("Error occured while opening journal, details: %v", err)
		}
		cleaner.Add(w)
		options = append(options, broker.WithEventHandler(w.Handle))
	}

	var store database.Store = database.NewMemoryStore()
	var dbClose event.Callable
	if cfg.Database.Enabled {
		mongoStore, closer, err := database.Connect(ctx, cfg.Database, cfg.AppName)
		if err != nil {
			fail("Error occured while initializing database, details: %v", err)
		}
		store, dbClose = mongoStore, closer
	}
	archiver := database.NewArchiver(store, runID, cfg.Network.TopicName)
	cleaner.Add(archiver)
	if dbClose != nil {
		cleaner.Add(dbClose)
	}
	options = append(options, broker.WithEventHandler(archiver.Handle))

	if cfg.Bridge.Enabled {
		pub, err := bridge.Dial(cfg.Bridge)
		if err != nil {
			fail("Error occured while connecting upstream bridge, details: %v", err)
		}
		b := bridge.New(pub, cfg.Bridge.TopicPrefix, cfg.Bridge.QoS, runID, cfg.Network.TopicName)
		cleaner.Add(b)
		options = append(options, broker.WithEventHandler(b.Handle))
	}

	conns := connection.NewConnectionManager()
	sender := connection.NewMessageSender(conns, wire.Broker(cfg.Network.MaxClients))
	b, err := broker.New(broker.Options{
		MaxClients:      cfg.Network.MaxClients,
		NumTopics:       len(cfg.Network.Topics),
		RetryInterval:   timing.RetryInterval,
		MaxRetries:      cfg.Protocol.MaxRetries,
		LivenessTimeout: timing.LivenessTimeout,
		DedupWindow:     cfg.Protocol.DedupWindow,
	}, sender, options...)
	if err != nil {
		fail("Error occured while creating broker, details: %v", err)
	}
	go b.Run(ctx)

	srv := server.NewServer(b, conns, timing.LivenessTimeout, cfg.Network.MaxClients)
	if err := srv.StartServer(ctx, cfg.Network.BrokerEndpoint()); err != nil && !errors.Is(err, context.Canceled) {
		fail("Error occured while serving links, details: %v", err)
	}
	<-cleaner.Done()
}
