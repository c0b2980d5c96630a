package ingestor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	config "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Config"
	logger "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Logger"
	kpwmodels "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Models"
	interfaces "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Repository/Interfaces"
)

// Broadcaster fans events out to live channels
type Broadcaster interface {
	Broadcast(event kpwmodels.LiveEvent)
	BroadcastEach(build func(kpwmodels.Viewer) (kpwmodels.LiveEvent, bool))
}

// Publisher sends feedback back through the broker
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Stats is a point-in-time copy of the pipeline counters
type Stats struct {
	Received        int64  `json:"received"`
	Dropped         int64  `json:"dropped"`
	Persisted       int64  `json:"persisted"`
	PersistFailures int64  `json:"persist_failures"`
	Broadcasts      int64  `json:"broadcasts"`
	Pending         int    `json:"pending"`
	BreakerState    string `json:"breaker_state"`
}

type counters struct {
	received        atomic.Int64
	dropped         atomic.Int64
	persisted       atomic.Int64
	persistFailures atomic.Int64
	broadcasts      atomic.Int64
}

// Deps groups the collaborators of a Pipeline. Archive and Publisher are
// optional.
type Deps struct {
	Directory   *Directory
	Readings    interfaces.ReadingRepository
	Archive     interfaces.RawMessageArchive
	Broadcaster Broadcaster
	Publisher   Publisher
}

// Pipeline is the broker message handler: normalize, provision, persist,
// broadcast. Work for one device runs on one shard in receipt order.
type Pipeline struct {
	cfg         config.IngestConfig
	errorPrefix string
	normalizer  *Normalizer
	directory   *Directory
	readings    interfaces.ReadingRepository
	archive     interfaces.RawMessageArchive
	broadcaster Broadcaster
	publisher   Publisher
	pool        *ShardedPool
	breaker     *CircuitBreaker
	lastSeen    cmap.ConcurrentMap[string, time.Time]
	dirty       atomic.Bool
	stats       counters
	logger      *logger.Logger
	now         func() time.Time
	opTimeout   time.Duration
}

func NewPipeline(cfg config.IngestConfig, errorTopicPrefix string, deps Deps, log *logger.Logger) *Pipeline {
	return &Pipeline{
		cfg:         cfg,
		errorPrefix: strings.TrimSuffix(errorTopicPrefix, "/"),
		normalizer:  NewNormalizerIn(cfg.DeviceLocation()),
		directory:   deps.Directory,
		readings:    deps.Readings,
		archive:     deps.Archive,
		broadcaster: deps.Broadcaster,
		publisher:   deps.Publisher,
		pool:        NewShardedPool(cfg.Workers, cfg.QueueSize),
		breaker:     NewCircuitBreaker(cfg.BreakerMaxFailures, cfg.BreakerResetTimeout),
		lastSeen:    cmap.New[time.Time](),
		logger:      log.WithComponent("ingestor"),
		now:         time.Now,
		opTimeout:   10 * time.Second,
	}
}

// SetPublisher wires error feedback once the broker connection exists
func (p *Pipeline) SetPublisher(pub Publisher) {
	p.publisher = pub
}

// HandleMessage is called by the broker connection for every message. It
// only parses and enqueues, keeping the broker loop responsive.
func (p *Pipeline) HandleMessage(topic string, payload []byte) {
	receivedAt := p.now().UTC()
	p.stats.received.Add(1)

	msg, err := p.normalizer.Normalize(topic, payload, receivedAt)
	if err != nil {
		p.stats.dropped.Add(1)
		p.logger.Logger.Warn().Err(err).Str("topic", topic).Msg("Dropping message")
		p.submit(topic, func() {
			p.archiveRaw(kpwmodels.RawMessage{Topic: topic, Payload: string(payload), Error: err.Error(), ReceivedAt: receivedAt})
			p.publishError(deviceHint(topic), errorType(err), err.Error(), topic)
		})
		return
	}

	p.submit(msg.DeviceID, func() {
		p.archiveRaw(kpwmodels.RawMessage{Topic: topic, Payload: string(payload), DeviceID: msg.DeviceID, ReceivedAt: receivedAt})
		p.process(msg, receivedAt)
	})
}

func (p *Pipeline) submit(key string, task func()) {
	if err := p.pool.Submit(key, task); err != nil {
		p.stats.dropped.Add(1)
		p.logger.Logger.Warn().Err(err).Str("key", key).Msg("Pipeline closed, message discarded")
	}
}

func (p *Pipeline) process(msg *NormalizedMessage, receivedAt time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), p.opTimeout)
	defer cancel()

	log := p.logger.WithDevice(msg.DeviceID)
	p.lastSeen.Set(msg.DeviceID, receivedAt)

	device, outcome, err := p.directory.Ensure(ctx, msg.DeviceID, msg.Hints)
	if err != nil {
		log.Logger.Error().Err(err).Msg("Device directory update failed")
		p.publishError(msg.DeviceID, "device_error", err.Error(), msg.Topic)
	}

	for _, reading := range msg.Readings {
		stored := reading
		err := p.breaker.Execute(func() error {
			saved, err := p.readings.AppendReading(ctx, reading)
			if err == nil {
				stored = saved
			}
			return err
		})
		if err != nil {
			p.stats.persistFailures.Add(1)
			perr := &PersistenceError{DeviceID: reading.DeviceID, Kind: reading.Kind, Err: err}
			log.Logger.Error().Err(perr).Msg("Reading not persisted, broadcasting anyway")
			if !errors.Is(err, ErrBreakerOpen) {
				p.publishError(msg.DeviceID, "persist_error", perr.Error(), msg.Topic)
			}
		} else {
			p.stats.persisted.Add(1)
		}

		p.broadcaster.Broadcast(kpwmodels.NewSensorDataEvent(stored))
		p.stats.broadcasts.Add(1)
	}

	if err == nil && outcome.Changed() {
		p.broadcaster.Broadcast(kpwmodels.NewDeviceEvent(device))
		p.stats.broadcasts.Add(1)
	}
	p.dirty.Store(true)
}

func (p *Pipeline) archiveRaw(msg kpwmodels.RawMessage) {
	if p.archive == nil {
		return
	}
	if err := p.archive.Archive(context.Background(), msg); err != nil {
		p.logger.Logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Failed to archive raw message")
	}
}

// publishError reports a dropped or unpersisted message on
// "<prefix>/<deviceId>" so collar firmware and operators can see it.
// Disabled when no prefix is configured.
func (p *Pipeline) publishError(deviceID, errType, message, topic string) {
	if p.errorPrefix == "" || p.publisher == nil {
		return
	}
	if deviceID == "" {
		deviceID = "unknown"
	}

	payload, err := json.Marshal(map[string]interface{}{
		"error_type": errType,
		"message":    message,
		"device_id":  deviceID,
		"topic":      topic,
		"timestamp":  p.now().UTC(),
	})
	if err != nil {
		p.logger.Logger.Error().Err(err).Msg("Failed to marshal error payload")
		return
	}

	errorTopic := fmt.Sprintf("%s/%s", p.errorPrefix, deviceID)
	if err := p.publisher.Publish(errorTopic, payload); err != nil {
		p.logger.Logger.Debug().Err(err).Str("topic", errorTopic).Msg("Failed to publish error")
		return
	}
	p.logger.Logger.Debug().Str("topic", errorTopic).Str("error_type", errType).Msg("Published error")
}

func errorType(err error) string {
	switch {
	case errors.Is(err, ErrMissingDeviceID):
		return "missing_device_id"
	case errors.Is(err, ErrUnsupportedTopic):
		return "invalid_topic"
	default:
		return "malformed_payload"
	}
}

// deviceHint guesses a device id from a topic for error reporting only
func deviceHint(topic string) string {
	parts := strings.Split(topic, "/")
	switch {
	case len(parts) == 3 && parts[2] != "pub":
		return parts[1]
	case len(parts) == 2 && parts[1] == "pub":
		return parts[0]
	}
	return ""
}

// RunOfflineSweep marks devices offline once they have been silent longer
// than the configured timeout.
func (p *Pipeline) RunOfflineSweep(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.OfflineSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.SweepOffline(ctx)
		}
	}
}

// SweepOffline runs one offline check
func (p *Pipeline) SweepOffline(ctx context.Context) {
	now := p.now()
	for deviceID, seen := range p.lastSeen.Items() {
		if now.Sub(seen) <= p.cfg.DeviceOfflineTimeout {
			continue
		}
		// keep the entry if a newer message arrived meanwhile
		removed := p.lastSeen.RemoveCb(deviceID, func(_ string, v time.Time, exists bool) bool {
			return exists && v.Equal(seen)
		})
		if !removed {
			continue
		}

		device, changed, err := p.directory.MarkStatus(ctx, deviceID, kpwmodels.DeviceOffline)
		if err != nil {
			p.logger.WithDevice(deviceID).Logger.Warn().Err(err).Msg("Failed to mark device offline")
			continue
		}
		if changed {
			p.broadcaster.Broadcast(kpwmodels.NewDeviceEvent(device))
			p.stats.broadcasts.Add(1)
			p.dirty.Store(true)
		}
	}
}

// RunMetricsLoop broadcasts per-viewer system metrics at most once per
// interval, and only after something changed.
func (p *Pipeline) RunMetricsLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.dirty.Swap(false) {
				if err := p.BroadcastMetrics(ctx); err != nil {
					p.dirty.Store(true)
					p.logger.Logger.Warn().Err(err).Msg("Failed to compute system metrics")
				}
			}
		}
	}
}

// BroadcastMetrics computes metrics once from storage and sends each viewer
// its own filtered view.
func (p *Pipeline) BroadcastMetrics(ctx context.Context) error {
	devices, err := p.directory.List(ctx)
	if err != nil {
		return err
	}
	latest, err := p.readings.LatestReadings(ctx)
	if err != nil {
		return err
	}
	now := p.now()
	p.broadcaster.BroadcastEach(func(v kpwmodels.Viewer) (kpwmodels.LiveEvent, bool) {
		m := kpwmodels.ComputeSystemMetrics(devices, latest, v, now)
		return kpwmodels.LiveEvent{Type: kpwmodels.EventSystemMetrics, Metrics: &m}, true
	})
	p.stats.broadcasts.Add(1)
	return nil
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Received:        p.stats.received.Load(),
		Dropped:         p.stats.dropped.Load(),
		Persisted:       p.stats.persisted.Load(),
		PersistFailures: p.stats.persistFailures.Load(),
		Broadcasts:      p.stats.broadcasts.Load(),
		Pending:         p.pool.Pending(),
		BreakerState:    p.breaker.State().String(),
	}
}

// Close drains queued work. Messages arriving afterwards are discarded.
func (p *Pipeline) Close() {
	p.pool.Shutdown()
}
