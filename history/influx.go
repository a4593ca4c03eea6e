package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"
	"github.com/srg/blehub/pkg/config"
)

const (
	measurement        = "blehub_history"
	defaultPingTimeout = 5 * time.Second
)

// ErrInfluxUnavailable is returned when the InfluxDB server does not answer its ping.
var ErrInfluxUnavailable = errors.New("influxdb unavailable")

// Sink receives every flushed rollup.
type Sink interface {
	Write(interval, topic string, value float64, at time.Time)
	Close() error
}

// InfluxSink writes rollups to InfluxDB through the non-blocking batched write API.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	log      *logrus.Entry
}

// ConnectInflux pings the server and opens a write API for cfg.Org and cfg.Bucket.
func ConnectInflux(ctx context.Context, cfg config.InfluxDBConfig, logger *logrus.Logger) (*InfluxSink, error) {
	if logger == nil {
		logger = logrus.New()
	}
	batchSize := cfg.BatchSize
	if batchSize == 0 {
		batchSize = 100
	}
	flush := cfg.FlushInterval
	if flush <= 0 {
		flush = 10 * time.Second
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(batchSize).
			SetFlushInterval(uint(flush.Milliseconds())))

	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping %s: %w", ErrInfluxUnavailable, cfg.URL, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: %s is not healthy", ErrInfluxUnavailable, cfg.URL)
	}

	s := &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		log:      logger.WithField("component", "history"),
	}
	go s.logWriteErrors(s.writeAPI.Errors())

	s.log.WithFields(logrus.Fields{"url": cfg.URL, "bucket": cfg.Bucket}).Info("InfluxDB sink connected")
	return s, nil
}

func (s *InfluxSink) logWriteErrors(errs <-chan error) {
	for err := range errs {
		s.log.WithError(err).Warn("InfluxDB write failed")
	}
}

// Write queues one point; it never blocks on the network.
func (s *InfluxSink) Write(interval, topic string, value float64, at time.Time) {
	s.writeAPI.WritePoint(write.NewPoint(
		measurement,
		map[string]string{
			"topic":    topic,
			"interval": interval,
		},
		map[string]interface{}{
			"value": value,
		},
		at,
	))
}

// Close flushes pending points and closes the client.
func (s *InfluxSink) Close() error {
	s.writeAPI.Flush()
	s.client.Close()
	return nil
}
