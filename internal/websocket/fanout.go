package websocket

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/coursehub/backend/internal/logger"
	"github.com/coursehub/backend/internal/metrics"
)

const (
	userChannelPrefix = "ws:user:"
	broadcastChannel  = "ws:broadcast"
	takeoverChannel   = "ws:takeover"

	hookTimeout = 5 * time.Second
)

func userChannel(userID string) string {
	return userChannelPrefix + userID
}

type takeover struct {
	UserID string `json:"userId"`
	Node   string `json:"node"`
}

type presenceChange struct {
	userID    string
	connected bool
}

// Fanout extends a Hub across processes over Redis pub/sub. Each process
// subscribes to the channels of the users it holds, so a publish that
// reaches at least one subscriber reached a process holding that user.
type Fanout struct {
	hub     *Hub
	client  *redis.Client
	pubsub  *redis.PubSub
	node    string
	metrics *metrics.Metrics
	log     *logger.Logger

	// Presence changes queued by the hub. syncPresence applies them to
	// Redis in order, off the hub goroutine.
	mu      sync.Mutex
	pending []presenceChange
	wake    chan struct{}
}

// NewFanout wires the hub's presence hooks to Redis. It must be called
// before the hub is started.
func NewFanout(hub *Hub, client *redis.Client) *Fanout {
	f := &Fanout{
		hub:     hub,
		client:  client,
		pubsub:  client.Subscribe(context.Background(), broadcastChannel, takeoverChannel),
		node:    uuid.New().String(),
		metrics: hub.metrics,
		log:     hub.log.WithComponent("websocket.fanout"),
		wake:    make(chan struct{}, 1),
	}
	hub.onConnect = func(userID string) { f.queuePresence(userID, true) }
	hub.onDisconnect = func(userID string) { f.queuePresence(userID, false) }
	return f
}

// Node identifies this process in takeover messages.
func (f *Fanout) Node() string {
	return f.node
}

func (f *Fanout) queuePresence(userID string, connected bool) {
	f.mu.Lock()
	f.pending = append(f.pending, presenceChange{userID: userID, connected: connected})
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *Fanout) syncPresence(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.wake:
		}

		f.mu.Lock()
		batch := f.pending
		f.pending = nil
		f.mu.Unlock()

		for _, change := range batch {
			if change.connected {
				f.userConnected(ctx, change.userID)
			} else {
				f.userDisconnected(ctx, change.userID)
			}
		}
	}
}

func (f *Fanout) userConnected(ctx context.Context, userID string) {
	ctx, cancel := context.WithTimeout(ctx, hookTimeout)
	defer cancel()

	if err := f.pubsub.Subscribe(ctx, userChannel(userID)); err != nil {
		f.log.WarnErr(ctx, "failed to subscribe user channel", err, map[string]interface{}{"user_id": userID})
	}

	msg, _ := json.Marshal(takeover{UserID: userID, Node: f.node})
	if err := f.client.Publish(ctx, takeoverChannel, msg).Err(); err != nil {
		f.log.WarnErr(ctx, "failed to announce connection", err, map[string]interface{}{"user_id": userID})
	}
}

func (f *Fanout) userDisconnected(ctx context.Context, userID string) {
	ctx, cancel := context.WithTimeout(ctx, hookTimeout)
	defer cancel()

	if err := f.pubsub.Unsubscribe(ctx, userChannel(userID)); err != nil {
		f.log.WarnErr(ctx, "failed to unsubscribe user channel", err, map[string]interface{}{"user_id": userID})
	}
}

// SendToUser publishes to the user's channel. When Redis is unreachable it
// falls back to the local hub. Delivery is best effort: true means a process
// holding the user received the event, but that process still drops it when
// the connection is gone or its buffer is full, counting it as dropped.
func (f *Fanout) SendToUser(ctx context.Context, userID, event string, payload any) bool {
	data, err := encode(event, payload)
	if err != nil {
		f.log.Error(ctx, "failed to encode event", err, map[string]interface{}{"event": event})
		return false
	}

	receivers, err := f.client.Publish(ctx, userChannel(userID), data).Result()
	if err != nil {
		f.log.WarnErr(ctx, "publish failed, delivering locally", err, map[string]interface{}{"user_id": userID})
		return f.hub.SendToUser(ctx, userID, event, payload)
	}

	if receivers > 0 {
		f.metrics.RecordWSEvent(metrics.DeliveryDelivered)
		return true
	}
	f.metrics.RecordWSEvent(metrics.DeliveryNoClient)
	return false
}

// Broadcast publishes to every process.
func (f *Fanout) Broadcast(ctx context.Context, event string, payload any) {
	data, err := encode(event, payload)
	if err != nil {
		f.log.Error(ctx, "failed to encode event", err, map[string]interface{}{"event": event})
		return
	}

	if err := f.client.Publish(ctx, broadcastChannel, data).Err(); err != nil {
		f.log.WarnErr(ctx, "publish failed, broadcasting locally", err)
		f.hub.Broadcast(ctx, event, payload)
		return
	}
	f.metrics.RecordWSEvent(metrics.DeliveryBroadcast)
}

// Run relays subscribed messages to the local hub and keeps the user
// subscriptions in step with the hub until ctx ends.
func (f *Fanout) Run(ctx context.Context) {
	defer f.pubsub.Close()

	synced := make(chan struct{})
	go func() {
		defer close(synced)
		f.syncPresence(ctx)
	}()
	defer func() { <-synced }()

	ch := f.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			f.dispatch(ctx, msg)
		}
	}
}

func (f *Fanout) dispatch(ctx context.Context, msg *redis.Message) {
	switch {
	case msg.Channel == broadcastChannel:
		f.hub.broadcast([]byte(msg.Payload))

	case msg.Channel == takeoverChannel:
		var t takeover
		if err := json.Unmarshal([]byte(msg.Payload), &t); err != nil {
			f.log.WarnErr(ctx, "malformed takeover message", err)
			return
		}
		if t.Node != f.node && f.hub.ClientCount(t.UserID) > 0 {
			f.hub.Evict(t.UserID)
		}

	case strings.HasPrefix(msg.Channel, userChannelPrefix):
		userID := strings.TrimPrefix(msg.Channel, userChannelPrefix)
		if !f.hub.deliver(userID, []byte(msg.Payload)) {
			f.metrics.RecordWSEvent(metrics.DeliveryDropped)
			f.log.Debug(ctx, "dropped event for departed user", map[string]interface{}{"user_id": userID})
		}
	}
}

var (
	_ Broadcaster = (*Hub)(nil)
	_ Broadcaster = (*Fanout)(nil)
)
