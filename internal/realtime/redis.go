package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DefaultChannel   = "congregate:room"
	fanoutBufferSize = 1024
	publishTimeout   = 2 * time.Second
)

type fanoutFrame struct {
	Room  string          `json:"room"`
	Frame json.RawMessage `json:"frame"`
}

// RedisFanout relays frames through a Redis channel so every instance's hub
// sees them. A single publisher goroutine drains an ordered queue, keeping
// per-room order intact across the wire.
type RedisFanout struct {
	client  *redis.Client
	channel string
	local   *Hub
	logger  *zap.Logger

	queue  chan fanoutFrame
	pubsub *redis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// DialRedis connects to redisURL and verifies the server answers.
func DialRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// NewRedisFanout subscribes to channel and starts relaying. It returns once
// the subscription is confirmed.
func NewRedisFanout(ctx context.Context, client *redis.Client, channel string, local *Hub, logger *zap.Logger) (*RedisFanout, error) {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	pubsub := client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	f := &RedisFanout{
		client:  client,
		channel: channel,
		local:   local,
		logger:  logger.Named("fanout"),
		queue:   make(chan fanoutFrame, fanoutBufferSize),
		pubsub:  pubsub,
		cancel:  cancel,
	}
	f.wg.Add(2)
	go f.publishLoop(runCtx)
	go f.receiveLoop()
	return f, nil
}

// Publish queues frame for every instance. When the queue is full the frame
// is delivered to local sockets only: other instances never see it, and it
// reaches local sockets ahead of frames for the same room still queued.
func (f *RedisFanout) Publish(room string, frame []byte) {
	select {
	case f.queue <- fanoutFrame{Room: room, Frame: frame}:
	default:
		f.logger.Warn("fanout queue full, delivering locally out of order", zap.String("room", room))
		f.local.Publish(room, frame)
	}
}

func (f *RedisFanout) publishLoop(ctx context.Context) {
	defer f.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-f.queue:
			payload, err := json.Marshal(item)
			if err != nil {
				f.logger.Error("encode fanout frame", zap.Error(err))
				continue
			}
			pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
			err = f.client.Publish(pubCtx, f.channel, payload).Err()
			cancel()
			if err != nil {
				// Nobody got it, so at least reach this instance's sockets.
				f.logger.Warn("redis publish failed", zap.String("room", item.Room), zap.Error(err))
				f.local.Publish(item.Room, item.Frame)
			}
		}
	}
}

func (f *RedisFanout) receiveLoop() {
	defer f.wg.Done()
	for msg := range f.pubsub.Channel() {
		var item fanoutFrame
		if err := json.Unmarshal([]byte(msg.Payload), &item); err != nil {
			f.logger.Warn("discard malformed fanout frame", zap.Error(err))
			continue
		}
		f.local.Publish(item.Room, item.Frame)
	}
}

// Close stops both loops. Frames still queued are discarded.
func (f *RedisFanout) Close() error {
	f.cancel()
	err := f.pubsub.Close()
	f.wg.Wait()
	return err
}
