package redis

import (
	"context"
	"log"
)

// Publish sends a trigger event to every subscribed process.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	return c.rdb.Publish(ctx, c.key(channel), payload).Err()
}

// Subscribe delivers messages on channel to fn until ctx is cancelled.
func (c *Client) Subscribe(ctx context.Context, channel string, fn func([]byte)) {
	sub := c.rdb.Subscribe(ctx, c.key(channel))
	defer sub.Close()

	ch := sub.Channel()
	log.Printf("[redis] subscribed to %s", c.key(channel))
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			fn([]byte(msg.Payload))
		}
	}
}
