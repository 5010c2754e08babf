package feed

import (
	"context"
	"encoding/json"

	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"tokoledger/backend/internal/xid"
)

const DefaultChannel = "tokoledger:feed"

type envelope struct {
	Origin  string   `json:"origin"`
	Changes []Change `json:"changes"`
}

// RedisRelay shares changes between server processes. Local publishes reach
// the local hub directly and are forwarded to Redis; changes from other
// processes are delivered into the local hub by Run.
type RedisRelay struct {
	client  *redis.Client
	hub     *Hub
	channel string
	origin  string
	log     logrus.FieldLogger
}

func NewRedisRelay(addr string, password string, db int, channel string, hub *Hub, log logrus.FieldLogger) *RedisRelay {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisRelayWithClient(client, channel, hub, log)
}

func NewRedisRelayWithClient(client *redis.Client, channel string, hub *Hub, log logrus.FieldLogger) *RedisRelay {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisRelay{
		client:  client,
		hub:     hub,
		channel: channel,
		origin:  xid.New("node"),
		log:     log.WithField("module", "feed"),
	}
}

func (r *RedisRelay) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisRelay) Close() error {
	return r.client.Close()
}

func (r *RedisRelay) Publish(ctx context.Context, changes ...Change) {
	if len(changes) == 0 {
		return
	}
	r.hub.Publish(ctx, changes...)

	payload, err := json.Marshal(envelope{Origin: r.origin, Changes: changes})
	if err != nil {
		r.log.WithError(err).Error("encode feed changes")
		return
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.log.WithError(err).Warn("relay feed changes to redis")
	}
}

// Run relays remote changes into the local hub until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			r.deliver(ctx, []byte(msg.Payload))
		}
	}
}

func (r *RedisRelay) deliver(ctx context.Context, payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		r.log.WithError(err).Warn("drop malformed feed message")
		return
	}
	if env.Origin == r.origin || len(env.Changes) == 0 {
		return
	}
	r.hub.Publish(ctx, env.Changes...)
}
