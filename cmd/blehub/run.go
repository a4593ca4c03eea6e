package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blehub/bridge"
	"github.com/srg/blehub/history"
	"github.com/srg/blehub/internal/attributes"
	"github.com/srg/blehub/internal/connect"
	"github.com/srg/blehub/internal/device"
	goble "github.com/srg/blehub/internal/device/go-ble"
	"github.com/srg/blehub/internal/groutine"
	"github.com/srg/blehub/internal/homeassistant"
	"github.com/srg/blehub/internal/mqtt"
	"github.com/srg/blehub/internal/registry"
	"github.com/srg/blehub/internal/status"
	"github.com/srg/blehub/pkg/config"
	"github.com/srg/blehub/scanner"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bridge",
	Long: `Power on the Bluetooth adapter, connect to the MQTT broker and bridge until interrupted.

Advertisements are published under <prefix>/presence, /advertise, /json and friends;
<prefix>/write, /read, /notify and /ping drive GATT connections.`,
	Args: cobra.NoArgs,
	RunE: runBridge,
}

func runBridge(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logs := status.NewLogHistory(0)
	logger.AddHook(logs)
	logger.WithFields(logrus.Fields{"version": version, "commit": commit}).Info("Starting blehub")

	client, err := mqtt.Connect(cfg.MQTT, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	reg := registry.FromConfig(cfg)
	decoder := attributes.NewDecoder(attributes.Options{
		Exclude:    cfg.Attributes.Exclude,
		SingleByte: cfg.Attributes.SingleByte,
	})

	sc := scanner.New(reg, decoder, client, cfg.MQTT.Prefix, scanner.OptionsFromConfig(cfg), logger)
	if cfg.Publish.HomeAssistant {
		clientID := cfg.MQTT.ClientID
		if cfg.MQTT.ClientIDGenerated {
			clientID = ""
		}
		ha := homeassistant.New(client, cfg.MQTT.Prefix, clientID, logger)
		sc.SetAnnouncer(ha)
		client.OnConnect(ha.Reset)
	}
	client.OnConnect(sc.PublishPresence)

	radio, err := sc.PowerOn(ctx, func() (device.Radio, error) { return goble.OpenRadio(logger) })
	if err != nil {
		return err
	}
	defer radio.Close()

	mgr := connect.New(radio, sc, reg, connect.OptionsFromConfig(cfg), logger)
	if err := bridge.New(client, mgr, sc, reg, cfg.MQTT.Prefix, logger).Start(); err != nil {
		return err
	}

	var hist *history.Service
	if cfg.History.Enabled {
		if hist, err = startHistory(ctx, cfg, client, logger); err != nil {
			return err
		}
	}

	reporter := status.NewReporter(sc, reg, mgr, logs)
	if cfg.HTTP.Enabled {
		stopHTTP, err := startStatusServer(ctx, cfg, reporter, logger)
		if err != nil {
			return err
		}
		defer stopHTTP()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var group groutine.Group
	errs := make(chan error, 4)
	run := func(name string, fn func(context.Context) error) {
		group.Go(runCtx, name, func(ctx context.Context) {
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errs <- fmt.Errorf("%s: %w", name, err)
			}
			cancel()
		})
	}

	run("scanner", sc.Run)
	run("connect", mgr.Run)
	if hist != nil {
		run("history", hist.Run)
	}
	if cfg.Status.Console {
		if height := status.TerminalHeight(os.Stdout); height != nil {
			// The dashboard shows the log tail itself.
			logger.SetOutput(io.Discard)
			console := status.NewConsole(reporter, os.Stdout, height)
			run("console", func(ctx context.Context) error {
				console.Run(ctx)
				return nil
			})
		}
	}

	<-runCtx.Done()
	group.Wait()
	close(errs)
	logger.Info("Shutting down")
	return <-errs
}

func startHistory(ctx context.Context, cfg *config.Config, bus mqtt.Bus, logger *logrus.Logger) (*history.Service, error) {
	hist := history.New(bus, history.NewStore(cfg.History.Dir, logger), history.OptionsFromConfig(cfg), logger)
	if cfg.History.InfluxDB.Enabled {
		sink, err := history.ConnectInflux(ctx, cfg.History.InfluxDB, logger)
		if err != nil {
			// Local logs keep working without the mirror.
			logger.WithError(err).Warn("InfluxDB sink disabled")
		} else {
			hist.SetSink(sink)
		}
	}
	if err := hist.Start(); err != nil {
		return nil, err
	}
	return hist, nil
}

func startStatusServer(ctx context.Context, cfg *config.Config, reporter *status.Reporter, logger *logrus.Logger) (func(), error) {
	relay := cfg.HTTP.MQTTRelay
	if relay == "" {
		relay = net.JoinHostPort(cfg.MQTT.Host, strconv.Itoa(cfg.MQTT.Port))
	}
	srv := status.NewServer(reporter, relay, logger)
	if err := srv.Start(ctx, ":"+strconv.Itoa(cfg.HTTP.Port)); err != nil {
		return nil, err
	}

	stopMDNS := func() {}
	if cfg.HTTP.MDNS {
		if zc, err := status.Advertise(cfg.HTTP.Port); err != nil {
			logger.WithError(err).Warn("mDNS advertisement failed")
		} else {
			stopMDNS = zc.Shutdown
		}
	}
	return func() {
		stopMDNS()
		if err := srv.Close(); err != nil {
			logger.WithError(err).Warn("Status server shutdown failed")
		}
	}, nil
}
