package main

import (
	"context"
	"errors"
	"flag"
	"os"

	"github.com/life-stream-dev/life-stream-sensornet/internal/config"
	"github.com/life-stream-dev/life-stream-sensornet/internal/event"
	"github.com/life-stream-dev/life-stream-sensornet/internal/link"
	"github.com/life-stream-dev/life-stream-sensornet/internal/logger"
	"github.com/life-stream-dev/life-stream-sensornet/internal/node"
	"github.com/life-stream-dev/life-stream-sensornet/internal/sensor"
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
	cleaner := event.NewCleaner()
	ctx := cleaner.Init(context.Background(), loggerCallback)
	fail := func(format string, v ...interface{}) {
		logger.FatalF(format, v...)
		_ = cleaner.Clean()
		os.Exit(1)
	}

	timing, _ := cfg.Protocol.Timing()
	id := wire.ClientID(cfg.Node.ClientID)
	qos, _ := config.ParseQoS(cfg.Node.QoS)

	conn, err := link.Dial(ctx, cfg.Network.BrokerEndpoint(), id)
	if err != nil {
		fail("Error occured while dialing broker, details: %v", err)
	}

	connected := make(chan error, 1)
	session := node.NewSession(id, node.Config{
		Broker:         wire.Broker(cfg.Network.MaxClients),
		NumTopics:      len(cfg.Network.Topics),
		QoS:            qos,
		ConnectTimeout: timing.ConnectTimeout,
		RetryInterval:  timing.RetryInterval,
		MaxRetries:     cfg.Protocol.MaxRetries,
		DedupWindow:    cfg.Protocol.DedupWindow,
	}, conn,
		node.OnConnect(func(err error) {
			select {
			case connected <- err:
			default:
			}
		}),
		node.OnData(func(topic wire.Topic, value uint16) {
			logger.InfoF("[client %d] %s = %d", id, cfg.Network.TopicName(topic), value)
		}),
		node.OnPublishFailed(func(r node.Reading, msgID uint16) {
			logger.WarnF("[client %d] Reading %d on %s not acknowledged, msg id %d", id, r.Value, cfg.Network.TopicName(r.Topic), msgID)
		}),
	)

	linkLost := make(chan struct{})
	conn.Start(func(src wire.ClientID, record []byte) {
		if err := session.HandleFrame(src, record); err != nil {
			logger.WarnF("[client %d] Dropped record from %d, details: %v", id, src, err)
		}
	}, session.SendDone, func() {
		session.LinkLost()
		close(linkLost)
	})
	cleaner.Add(event.CallableFunc(func(context.Context) error {
		if err := session.Disconnect(); err != nil && !errors.Is(err, node.ErrNotConnected) {
			logger.WarnF("[client %d] Disconnect failed, details: %v", id, err)
		}
		return conn.Close()
	}))

	if err := session.Connect(); err != nil {
		fail("Error occured while connecting, details: %v", err)
	}
	select {
	case err := <-connected:
		if err != nil {
			fail("Broker did not accept client %d, details: %v", id, err)
		}
	case <-ctx.Done():
		<-cleaner.Done()
		return
	}
	logger.InfoF("[client %d] Connected to broker", id)

	for _, sub := range cfg.Node.Subscribe {
		topic, _ := cfg.Network.Topic(sub.Topic)
		subQoS, _ := config.ParseQoS(sub.QoS)
		if err := session.Subscribe(topic, subQoS); err != nil {
			fail("Error occured while subscribing %s, details: %v", sub.Topic, err)
		}
	}

	if cfg.Node.Topic != "" {
		topic, _ := cfg.Network.Topic(cfg.Node.Topic)
		source, err := sensor.NewSource(cfg.Node.Source, cfg.Node.Seed)
		if err != nil {
			fail("Error occured while creating sensor, details: %v", err)
		}
		var smoother *sensor.Smoother
		if cfg.Node.Smoothing {
			smoother = sensor.NewSmoother(cfg.Node.SmoothingWindow)
		}
		sampler := sensor.NewSampler(topic, source, timing.ReadPeriod, smoother)
		go sampler.Run(ctx, func(topic wire.Topic, value uint16) {
			if err := session.Reading(topic, value); err != nil {
				logger.WarnF("[client %d] Reading dropped, details: %v", id, err)
			}
		})
	}
	go session.KeepAlive(ctx, timing.LivenessTimeout/2)

	select {
	case <-ctx.Done():
	case <-linkLost:
		fail("Link to broker lost")
	}
	<-cleaner.Done()
}
