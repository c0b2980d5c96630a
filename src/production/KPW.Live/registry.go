package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	logger "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Logger"
	kpwmodels "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Models"
)

var (
	ErrQueueFull      = errors.New("channel queue is full")
	ErrRegistryClosed = errors.New("live registry closed")
)

// Registry is the set of live dashboard channels. Every broadcast is
// filtered per channel by its viewer; a channel that cannot keep up is
// disconnected without affecting the others.
type Registry struct {
	snapshots *Snapshotter
	logger    *logger.Logger

	mu       sync.RWMutex
	channels map[string]*Channel
	closed   bool
}

func NewRegistry(snapshots *Snapshotter, log *logger.Logger) *Registry {
	return &Registry{
		snapshots: snapshots,
		logger:    log.WithComponent("live"),
		channels:  make(map[string]*Channel),
	}
}

// Register enqueues the bootstrap snapshot and then joins the channel to
// the broadcast set. Events broadcast while the snapshot is being built
// are not replayed.
func (r *Registry) Register(ctx context.Context, ch *Channel) error {
	events, err := r.snapshots.Build(ctx, ch.Viewer())
	if err != nil {
		return fmt.Errorf("build snapshot: %w", err)
	}
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode %s snapshot: %w", ev.Type, err)
		}
		if !ch.enqueue(data) {
			return ErrQueueFull
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		ch.release()
		return ErrRegistryClosed
	}
	r.channels[ch.ID()] = ch

	r.logger.Logger.Info().
		Str("channel_id", ch.ID()).
		Bool("admin", ch.Viewer().IsAdmin()).
		Int("channels", len(r.channels)).
		Msg("Live channel registered")
	return nil
}

// Unregister removes the channel and releases its queue. Safe to call
// more than once.
func (r *Registry) Unregister(ch *Channel) {
	r.mu.Lock()
	_, ok := r.channels[ch.ID()]
	delete(r.channels, ch.ID())
	remaining := len(r.channels)
	r.mu.Unlock()

	ch.release()
	if ok {
		r.logger.Logger.Info().Str("channel_id", ch.ID()).Int("channels", remaining).Msg("Live channel unregistered")
	}
}

// Send delivers an event to one channel only
func (r *Registry) Send(ch *Channel, event kpwmodels.LiveEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if !ch.enqueue(data) {
		r.dropSlow([]*Channel{ch})
		return ErrQueueFull
	}
	return nil
}

// Broadcast encodes the event once and offers it to every channel whose
// viewer can see it.
func (r *Registry) Broadcast(event kpwmodels.LiveEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		r.logger.Logger.Error().Err(err).Str("type", string(event.Type)).Msg("Failed to encode live event")
		return
	}

	var slow []*Channel
	r.mu.RLock()
	for _, ch := range r.channels {
		if !ch.Viewer().CanSee(event.DeviceID) {
			continue
		}
		if !ch.enqueue(data) {
			slow = append(slow, ch)
		}
	}
	r.mu.RUnlock()

	r.dropSlow(slow)
}

// BroadcastEach sends every channel its own event, built from its viewer.
// Returning false from build skips that channel.
func (r *Registry) BroadcastEach(build func(kpwmodels.Viewer) (kpwmodels.LiveEvent, bool)) {
	var slow []*Channel
	r.mu.RLock()
	for _, ch := range r.channels {
		event, ok := build(ch.Viewer())
		if !ok {
			continue
		}
		data, err := json.Marshal(event)
		if err != nil {
			r.logger.Logger.Error().Err(err).Str("type", string(event.Type)).Msg("Failed to encode live event")
			continue
		}
		if !ch.enqueue(data) {
			slow = append(slow, ch)
		}
	}
	r.mu.RUnlock()

	r.dropSlow(slow)
}

// BroadcastStatus is the broker connection status listener
func (r *Registry) BroadcastStatus(status kpwmodels.ConnectionStatus) {
	r.Broadcast(kpwmodels.NewStatusEvent(status))
}

func (r *Registry) dropSlow(slow []*Channel) {
	for _, ch := range slow {
		r.logger.Logger.Warn().Str("channel_id", ch.ID()).Msg("Live channel cannot keep up, disconnecting")
		r.Unregister(ch)
	}
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// Snapshots exposes the read side shared with the REST endpoints
func (r *Registry) Snapshots() *Snapshotter {
	return r.snapshots
}

// Close releases every channel and rejects further registrations
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	channels := r.channels
	r.channels = make(map[string]*Channel)
	r.mu.Unlock()

	for _, ch := range channels {
		ch.release()
	}
}
