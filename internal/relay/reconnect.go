package relay

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// DefaultReconnectInterval is the pause between connection attempts.
const DefaultReconnectInterval = 5 * time.Second

// RunForever calls Run until a terminate has been handled or ctx is done,
// waiting interval between attempts. Dropped connections and failed dials
// are retried indefinitely.
func (c *Client) RunForever(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultReconnectInterval
	}
	attempt := 0
	return retry.Do(ctx, retry.NewConstant(interval), func(ctx context.Context) error {
		attempt++
		err := c.Run(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", interval).Msg("relay connection lost")
		return retry.RetryableError(err)
	})
}
