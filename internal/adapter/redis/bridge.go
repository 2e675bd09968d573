package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/google/uuid"
	"github.com/pscheid92/speakrelay/internal/metrics"
	"github.com/pscheid92/speakrelay/internal/protocol"
	goredis "github.com/redis/go-redis/v9"
)

const (
	publishQueueSize = 256
	publishTimeout   = 2 * time.Second
)

// envelope is the message exchanged between relay instances.
type envelope struct {
	Origin string          `json:"origin"`
	Frame  json.RawMessage `json:"frame"`
}

// Bridge fans relayed translation frames out to other relay instances and delivers
// their frames locally. Frames published by this instance are ignored on receipt.
type Bridge struct {
	rdb        *goredis.Client
	channel    string
	instanceID string
	queue      chan []byte
	metrics    *metrics.BridgeMetrics

	runOnce sync.Once
}

func NewBridge(rdb *goredis.Client, channel string, m *metrics.BridgeMetrics) *Bridge {
	return &Bridge{
		rdb:        rdb,
		channel:    channel,
		instanceID: uuid.NewString(),
		queue:      make(chan []byte, publishQueueSize),
		metrics:    m,
	}
}

func (b *Bridge) InstanceID() string { return b.instanceID }

// Publish queues frame for other instances. It never blocks; when the queue is
// full the frame is dropped.
func (b *Bridge) Publish(frame []byte) {
	select {
	case b.queue <- frame:
	default:
		b.metrics.PublishFailures.WithLabelValues("queue_full").Inc()
		slog.Warn("Bridge publish queue full, dropping frame", "channel", b.channel)
	}
}

// Ping reports whether Redis is reachable, for readiness checks.
func (b *Bridge) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Run subscribes to the bridge channel, starts the publisher and calls deliver for
// every frame from another instance until ctx is cancelled. deliver runs on the
// subscriber goroutine and must not block. Run may only be called once.
func (b *Bridge) Run(ctx context.Context, deliver func(frame []byte)) error {
	started := false
	b.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("bridge already running")
	}

	pubsub := b.rdb.Subscribe(ctx, b.channel)
	defer func() { _ = pubsub.Close() }()

	// Block until Redis confirms the subscription.
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}
	slog.Info("Bridge subscribed", "channel", b.channel, "instance_id", b.instanceID)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.publishLoop(ctx)
	}()
	defer wg.Wait()

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.handleMessage(msg.Payload, deliver)
		case <-ctx.Done():
			return nil
		}
	}
}

func (b *Bridge) publishLoop(ctx context.Context) {
	for {
		select {
		case frame := <-b.queue:
			b.publish(ctx, frame)
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bridge) publish(ctx context.Context, frame []byte) {
	data, err := json.Marshal(envelope{Origin: b.instanceID, Frame: frame})
	if err != nil {
		b.metrics.PublishFailures.WithLabelValues("encode").Inc()
		slog.Error("Failed to encode bridge message", "error", err)
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := b.rdb.Publish(pubCtx, b.channel, data).Err(); err != nil {
		reason := "redis"
		if errors.Is(err, circuitbreaker.ErrOpen) {
			reason = "circuit_open"
		}
		b.metrics.PublishFailures.WithLabelValues(reason).Inc()
		slog.Warn("Bridge publish failed", "channel", b.channel, "reason", reason, "error", err)
		return
	}
	b.metrics.Published.Inc()
}

func (b *Bridge) handleMessage(payload string, deliver func([]byte)) {
	var msg envelope
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		b.metrics.Dropped.WithLabelValues("malformed").Inc()
		slog.Warn("Discarding malformed bridge message", "error", err)
		return
	}
	if msg.Origin == b.instanceID {
		return
	}

	env, err := protocol.Decode(msg.Frame)
	if err != nil {
		b.metrics.Dropped.WithLabelValues(protocol.Reason(err)).Inc()
		slog.Warn("Discarding invalid bridge frame", "origin", msg.Origin, "error", err)
		return
	}
	if _, ok := env.(protocol.Translation); !ok {
		b.metrics.Dropped.WithLabelValues("not_relayable").Inc()
		slog.Warn("Discarding non-translation bridge frame", "origin", msg.Origin, "type", env.Type())
		return
	}

	b.metrics.Received.Inc()
	deliver(msg.Frame)
}
