// Command sx1280-gw bridges an SX1280 datagram node to MQTT. Received
// datagrams are published under <prefix>/rx/<from>, messages on
// <prefix>/tx/<to> are sent reliably, and <prefix>/range/<addr> runs a
// ranging exchange with the result on <prefix>/range/result.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/NV4RE/gsx1280"
	"github.com/NV4RE/gsx1280/datagram"
	"github.com/NV4RE/gsx1280/internal/config"
	"github.com/NV4RE/gsx1280/internal/store"
)

func main() {
	confPath := flag.String("config", "/etc/sx1280-gw.json5", "JSON5 configuration file")
	flag.Parse()

	log := logrus.New()
	log.Formatter = new(logrus.TextFormatter)
	log.Out = os.Stdout

	cfg, err := config.Load(*confPath)
	if err != nil {
		log.WithError(err).Fatal("loading configuration")
	}
	lvl, _ := cfg.LogLevel()
	log.Level = lvl

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("gateway stopped")
	}
	log.Info("gateway stopped")
}

func run(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	rc, err := cfg.RadioConfig()
	if err != nil {
		return err
	}

	radio, err := gsx1280.Open(gsx1280.Pins{
		SPI:   cfg.Radio.SPI,
		Busy:  cfg.Radio.Busy,
		Reset: cfg.Radio.Reset,
		DIO:   cfg.Radio.DIO,

		TxEnable: cfg.Radio.TxEnable,
		RxEnable: cfg.Radio.RxEnable,
	}, gsx1280.Options{
		DIOLine:       cfg.Radio.DIOLine,
		BusyThreshold: cfg.Radio.BusyThreshold,
		DiagLog:       cfg.Radio.DiagLog,
		Logger:        log.WithField("component", "radio"),
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := radio.Close(); err != nil {
			log.WithError(err).Warn("closing radio")
		}
	}()

	if err := radio.Configure(rc); err != nil {
		return err
	}
	log.WithField("radio", radio).Info("radio configured")

	node := datagram.New(radio, datagram.Options{
		Node:        cfg.Node.Address,
		Destination: cfg.Node.Destination,
		AckWait:     cfg.Node.AckWait(),
		AckRetries:  cfg.Node.AckRetries,
		AckEnabled:  cfg.Node.Ack,
		Logger:      log.WithField("component", "datagram"),
	})

	mq, err := newMQ(cfg.MQTT, log)
	if err != nil {
		return err
	}
	defer mq.Close()

	gw := &gateway{
		radio: radio,
		node:  node,
		mq:    mq,
		log:   log.WithField("component", "gateway"),
		cmds:  make(chan func(ctx context.Context), commandQueue),
	}

	if cfg.Redis.Addr != "" {
		gw.cache, err = newNodeCache(ctx, cfg.Redis.Addr, cfg.Redis.Prefix)
		if err != nil {
			return err
		}
		defer gw.cache.Close()
	}

	if cfg.Store.Path != "" {
		gw.hist, err = store.Open(cfg.Store.Path, log.WithField("component", "store"))
		if err != nil {
			return err
		}
		defer gw.hist.Close()
	}

	if err := mq.Subscribe("tx/+", gw.onTx); err != nil {
		return err
	}
	if err := mq.Subscribe("range/+", gw.onRange); err != nil {
		return err
	}

	log.WithField("node", cfg.Node.Address).Info("gateway ready")
	return gw.loop(ctx)
}
