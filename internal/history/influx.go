// Package history records channel readings into InfluxDB as time series.
package history

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"github.com/joshp123/ngenic-bridge/internal/config"
	"github.com/joshp123/ngenic-bridge/internal/coordinator"
	"github.com/joshp123/ngenic-bridge/internal/topology"
)

const (
	measurement           = "ngenic_channel"
	defaultConnectTimeout = 10 * time.Second
	defaultBatchSize      = 100
	defaultFlushSeconds   = 10
)

type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Sink writes every reading the coordinator reports. It implements
// coordinator.Listener; writes are batched and never block the caller.
type Sink struct {
	client influxdb2.Client
	writer pointWriter
	logger *zap.Logger
}

var _ coordinator.Listener = (*Sink)(nil)

func Connect(ctx context.Context, cfg config.InfluxDBConfig, logger *zap.Logger) (*Sink, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	flushSeconds := cfg.FlushInterval
	if flushSeconds <= 0 {
		flushSeconds = defaultFlushSeconds
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushSeconds)*1000))

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()
	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	s := newSink(writeAPI, logger)
	s.client = client
	go s.drainErrors(writeAPI.Errors())
	return s, nil
}

func newSink(w pointWriter, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{writer: w, logger: logger.With(zap.String("component", "history"))}
}

func (s *Sink) drainErrors(errs <-chan error) {
	for err := range errs {
		s.logger.Warn("influxdb write failed", zap.Error(err))
	}
}

// OnChanges writes updated readings and the initial readings of added
// channels. Counter resets are tagged so that queries can stitch the series.
func (s *Sink) OnChanges(changes topology.ChangeSet, snapshot topology.Snapshot) {
	for _, ref := range changes.Added {
		if ref.Entity != topology.EntityChannel {
			continue
		}
		ch, ok := snapshot.FindChannel(ref.ChannelID)
		if !ok || !ch.HasReading() {
			continue
		}
		s.write(ref, ch.Reading(), false)
	}
	for _, u := range changes.Updated {
		if u.Current.Empty() {
			continue
		}
		s.write(u.Ref, u.Current, u.CounterReset)
	}
}

func (s *Sink) OnStatus(coordinator.StatusEvent) {}

func (s *Sink) write(ref topology.Ref, r topology.Reading, reset bool) {
	if ref.Kind == topology.KindUnsupported {
		return
	}
	s.writer.WritePoint(newPoint(ref, r, reset))
}

func newPoint(ref topology.Ref, r topology.Reading, reset bool) *write.Point {
	return write.NewPoint(measurement,
		map[string]string{
			"gateway_id": ref.GatewayID,
			"node_id":    ref.NodeID,
			"channel":    ref.ChannelID,
			"kind":       ref.Kind.String(),
			"unit":       string(r.Unit),
		},
		map[string]interface{}{
			"value":         r.Value,
			"counter_reset": reset,
		},
		r.Timestamp)
}

// Close flushes pending points and closes the client.
func (s *Sink) Close() {
	s.writer.Flush()
	if s.client != nil {
		s.client.Close()
	}
}
