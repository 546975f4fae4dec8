package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/wnsm/wnsm-sync/internal/auth"
	"github.com/wnsm/wnsm-sync/internal/config"
	"github.com/wnsm/wnsm-sync/internal/metrics"
	"github.com/wnsm/wnsm-sync/internal/pipeline"
	"github.com/wnsm/wnsm-sync/internal/publisher"
	"github.com/wnsm/wnsm-sync/internal/retry"
	"github.com/wnsm/wnsm-sync/internal/scheduler"
	"github.com/wnsm/wnsm-sync/internal/session"
	"github.com/wnsm/wnsm-sync/internal/smartmeter"
)

// Command wnsm-sync copies smart meter readings from the Wiener Netze portal
// to MQTT, where Home Assistant picks them up as a cumulative energy sensor.
//
// Usage:
//
//	wnsm-sync [flags]
//
// The flags are:
//
//	-config string
//	      path to a YAML config file (optional, environment and
//	      /data/options.json are always read)
//	-once
//	      run a single sync and exit
//	-bulk
//	      run a single sync over the last three years and exit
func main() {
	flags := parseFlags()

	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := newLogger(cfg.Logging)
	logger.WithFields(logrus.Fields{
		"zaehlpunkt":   cfg.Smartmeter.Zaehlpunkt,
		"username":     cfg.Smartmeter.Username,
		"history_days": cfg.Smartmeter.HistoryDays,
		"source":       cfg.Smartmeter.Source,
		"mqtt_host":    cfg.MQTT.Host,
		"mqtt_topic":   cfg.MQTT.Topic,
	}).Info("Wiener Netze Smart Meter sync starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collectors := metrics.New()
	health := metrics.NewHealthChecker()

	client, err := smartmeter.NewClient(
		auth.Credentials{Username: cfg.Smartmeter.Username, Password: cfg.Smartmeter.Password},
		smartmeter.Options{
			Endpoints: smartmeter.Endpoints{
				B2C:       cfg.API.B2CURL,
				B2B:       cfg.API.B2BURL,
				Alt:       cfg.API.AltURL,
				AppConfig: cfg.API.AppConfigURL,
			},
			Auth:      auth.Config{AuthURL: cfg.API.AuthURL},
			Timeout:   cfg.API.Timeout(),
			RateLimit: rate.Limit(cfg.API.RateLimit),
			Burst:     cfg.API.Burst,
			Transport: collectors.Transport(http.DefaultTransport),
		},
		logger,
	)
	if err != nil {
		logger.Fatalf("Failed to create smart meter client: %v", err)
	}

	mqttClient, err := publisher.NewMQTT(cfg.MQTT, logger)
	if err != nil {
		logger.Fatalf("Failed to connect to MQTT broker: %v", err)
	}
	defer mqttClient.Close()
	health.SetServingStatus("mqtt", metrics.StatusServing)

	store := session.NewStore(cfg.Session.File, logger)
	logger.WithField("session_file", store.Path()).Debug("Session store ready")

	syncer := pipeline.New(
		client,
		store,
		publisher.NewStatistics(mqttClient, cfg.MQTT.Topic, logger),
		retry.New(cfg.Retry.Count, cfg.Retry.Delay(), logger),
		pipeline.Options{
			Zaehlpunkt:  cfg.Smartmeter.Zaehlpunkt,
			HistoryDays: cfg.Smartmeter.HistoryDays,
			Source:      cfg.Smartmeter.Source,
			ValueType:   smartmeter.ValueType(cfg.Smartmeter.ValueType),
			Bulk:        flags.Bulk,
		},
		logger,
	).WithMetrics(collectors, health)

	errChan := make(chan error, 1)

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Listen, collectors, health, logger)
		go func() {
			if err := <-metricsServer.Start(); err != nil {
				errChan <- fmt.Errorf("metrics server error: %w", err)
			}
		}()
	}

	if flags.Once || flags.Bulk {
		_, err := syncer.Run(ctx)
		shutdownMetrics(metricsServer, logger)
		if err != nil {
			mqttClient.Close()
			os.Exit(1)
		}
		return
	}

	sched := scheduler.NewScheduler(ctx, syncer, scheduler.Options{
		Interval:   cfg.Schedule.Interval(),
		RunOnStart: cfg.Schedule.RunOnStart,
	}, logger)
	if err := sched.Start(); err != nil {
		logger.Fatalf("Failed to start scheduler: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Infof("Received signal %v, initiating shutdown", sig)
	case err := <-errChan:
		logger.Errorf("Service error: %v", err)
	}

	cancel()
	sched.Stop()
	shutdownMetrics(metricsServer, logger)
	logger.Info("Shutdown complete")
}

type Flags struct {
	ConfigPath string
	Once       bool
	Bulk       bool
}

func parseFlags() *Flags {
	f := &Flags{}

	flag.StringVar(&f.ConfigPath, "config", "", "Path to a YAML config file")
	flag.BoolVar(&f.Once, "once", false, "Run a single sync and exit")
	flag.BoolVar(&f.Bulk, "bulk", false, "Run a single sync over the last three years and exit")

	flag.Parse()

	return f
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	}
	return logger
}

func shutdownMetrics(srv *metrics.Server, logger logrus.FieldLogger) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("Failed to stop metrics server")
	}
}
