// ABOUTME: Relays last-update marker changes between processes over Redis pub/sub
// ABOUTME: Local marker touches are published; remote ones make local pages revalidate
package notify

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/harperreed/schoolsync/cache"
	"github.com/harperreed/schoolsync/logging"
	"github.com/harperreed/schoolsync/models"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

// DefaultChannel is used when no channel is configured.
const DefaultChannel = "schoolsync:lastUpdate"

// PublishTimeout bounds one publish so a stuck Redis cannot hold up writers.
const PublishTimeout = 2 * time.Second

// pendingMarkers is how many unsent marker touches are kept. Only the newest
// matters to receivers, so older ones are dropped when it fills.
const pendingMarkers = 16

// PubSub is the part of *redis.Client the bridge uses.
type PubSub interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// Message is the wire form of a marker change.
type Message struct {
	Instance string `json:"instance"`
	Marker   int64  `json:"marker"`
}

type Bridge struct {
	client   PubSub
	store    *cache.Store
	channel  string
	instance string
	log      *log.Logger
	timeout  time.Duration
	pending  chan int64
}

func New(client PubSub, store *cache.Store, channel string, logger *log.Logger) *Bridge {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = logging.For("notify")
	}
	instance := ulid.Make().String()
	return &Bridge{
		client:   client,
		store:    store,
		channel:  channel,
		instance: instance,
		log:      logger.With("instance", instance),
		timeout:  PublishTimeout,
		pending:  make(chan int64, pendingMarkers),
	}
}

// Instance identifies this process on the channel.
func (b *Bridge) Instance() string {
	return b.instance
}

// Attach starts forwarding local marker touches and returns the detach func.
// Publishing happens on its own goroutine; writers only enqueue.
func (b *Bridge) Attach() func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go b.publishLoop(stop, done)
	unwatch := b.store.Watch(b.tab(), b.forward)

	var once sync.Once
	return func() {
		once.Do(func() {
			unwatch()
			close(stop)
			<-done
		})
	}
}

// Run forwards local marker touches and applies remote ones until ctx ends.
func (b *Bridge) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	detach := b.Attach()
	defer detach()

	b.log.Info("listening for remote updates", "channel", b.channel)
	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			b.Receive(msg.Payload)
		}
	}
}

// Receive applies one message from the channel.
func (b *Bridge) Receive(payload string) {
	var m Message
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		b.log.Warn("ignoring unreadable message", "err", err)
		return
	}
	if m.Instance == b.instance {
		return
	}

	changed, err := b.store.PollMarker()
	if err != nil {
		b.log.Warn("pull after remote update failed", "err", err)
	}
	if changed {
		return
	}
	// The KV has not caught up yet; pages still revalidate from the backend.
	b.log.Debug("remote marker", "from", m.Instance, "marker", m.Marker)
	b.store.Notify(cache.Change{
		Key:    models.MarkerKey,
		Value:  []byte(strconv.FormatInt(m.Marker, 10)),
		Writer: b.tab(),
	})
}

// forward queues marker touches made by pages of this process. It runs on the
// writer's goroutine and never blocks.
func (b *Bridge) forward(ch cache.Change) {
	if ch.Key != models.MarkerKey || ch.Value == nil || ch.Writer == "" {
		return
	}
	marker, err := strconv.ParseInt(string(ch.Value), 10, 64)
	if err != nil {
		return
	}
	for {
		select {
		case b.pending <- marker:
			return
		default:
		}
		select {
		case old := <-b.pending:
			b.log.Debug("dropping superseded marker", "marker", old)
		default:
		}
	}
}

func (b *Bridge) publishLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case marker := <-b.pending:
			b.publish(marker)
		}
	}
}

func (b *Bridge) publish(marker int64) {
	data, err := json.Marshal(Message{Instance: b.instance, Marker: marker})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		b.log.Warn("failed to publish update", "marker", marker, "err", err)
	}
}

func (b *Bridge) tab() string {
	return "bridge:" + b.instance
}
