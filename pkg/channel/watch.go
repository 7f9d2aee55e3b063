package channel

import (
	"context"
	"time"

	"github.com/getmockd/lime/pkg/envelope"
	"github.com/getmockd/lime/pkg/logging"
)

const minWatchTick = 5 * time.Millisecond

// watch pings the remote party after the ping interval without inbound
// traffic and finishes the session after the idle timeout.
func (c *Channel) watch() {
	defer c.wg.Done()

	ping, idle := c.opts.remotePingInterval, c.opts.remoteIdleTimeout
	tick := shortest(ping, idle) / 4
	if tick < minWatchTick {
		tick = minWatchTick
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	var lastPing time.Time
	for {
		select {
		case <-c.runCtx.Done():
			return
		case now := <-ticker.C:
			if c.State() != envelope.SessionStateEstablished {
				continue
			}
			quiet := c.quietFor(now)

			if idle > 0 && quiet >= idle {
				c.log().Info("remote party idle, finishing session", "idle", quiet)
				c.finishIdle()
				return
			}
			if ping > 0 && quiet >= ping && now.Sub(lastPing) >= ping {
				lastPing = now
				c.wg.Add(1)
				go c.ping()
			}
		}
	}
}

func (c *Channel) ping() {
	defer c.wg.Done()
	ctx, cancel := context.WithTimeout(c.runCtx, c.opts.sendTimeout)
	defer cancel()

	if _, err := c.ProcessCommand(ctx, NewPingCommand()); err != nil {
		c.log().Debug("remote ping failed", logging.KeyError, err)
	}
}

// finishIdle ends the session gracefully. If the remote party does not
// complete the exchange within the send timeout the channel is torn down
// anyway.
func (c *Channel) finishIdle() {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.sendTimeout)
	defer cancel()

	if err := c.Finish(ctx); err != nil {
		c.log().Warn("finishing idle session", logging.KeyError, err)
		c.teardown()
	}
}

func shortest(a, b time.Duration) time.Duration {
	switch {
	case a <= 0:
		return b
	case b <= 0:
		return a
	case a < b:
		return a
	default:
		return b
	}
}
