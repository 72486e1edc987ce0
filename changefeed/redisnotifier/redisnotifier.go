// Package redisnotifier implements changefeed.Notifier across process
// boundaries using Redis pub/sub, grounded on the teacher's
// queue/redis/queue.go client-construction pattern (address/password/db
// options, a single shared *redis.Client).
package redisnotifier

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"glyphdb.dev/glyphdb/changefeed"
	"glyphdb.dev/glyphdb/dberr"
)

// Options configures the underlying Redis client, mirroring the teacher's
// queue/redis/queue.go Config shape.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Notifier publishes changefeed.Notification values to a Redis channel
// named after the live query id, so any node holding that subscriber's
// websocket connection receives it regardless of which node committed the
// transaction.
type Notifier struct {
	client *redis.Client
}

func New(opts Options) *Notifier {
	return &Notifier{client: redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})}
}

func channelFor(liveID string) string { return "glyphdb:live:" + liveID }

// Publish implements changefeed.Notifier.
func (n *Notifier) Publish(ctx context.Context, note changefeed.Notification) error {
	b, err := json.Marshal(note)
	if err != nil {
		return dberr.Wrap(dberr.KindInternal, err, "marshal notification")
	}
	if err := n.client.Publish(ctx, channelFor(note.ID), b).Err(); err != nil {
		return dberr.Wrap(dberr.KindInternal, err, "publish notification")
	}
	return nil
}

// Subscribe returns a channel of notifications for one live query id,
// decoded from the Redis pub/sub stream. The caller must call close() when
// done to release the underlying subscription.
func (n *Notifier) Subscribe(ctx context.Context, liveID string) (ch <-chan changefeed.Notification, closeFn func() error) {
	sub := n.client.Subscribe(ctx, channelFor(liveID))
	out := make(chan changefeed.Notification, 64)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var note changefeed.Notification
			if err := json.Unmarshal([]byte(msg.Payload), &note); err != nil {
				continue
			}
			out <- note
		}
	}()
	return out, sub.Close
}

func (n *Notifier) Close() error { return n.client.Close() }
