package waitlist

import (
	"sync"
	"time"
)

// Countdown ticks down from a fixed duration and calls onExpire once when it
// reaches zero. Stop cancels it; an expired or stopped countdown never fires again.
type Countdown struct {
	mu        sync.Mutex
	remaining time.Duration
	deadline  time.Time
	stop      chan struct{}
	stopOnce  sync.Once
	fireOnce  sync.Once
	onTick    func(remaining time.Duration)
	onExpire  func()
}

func StartCountdown(total, tick time.Duration, onTick func(time.Duration), onExpire func()) *Countdown {
	if tick <= 0 {
		tick = time.Second
	}
	c := &Countdown{
		remaining: total,
		deadline:  time.Now().Add(total),
		stop:      make(chan struct{}),
		onTick:    onTick,
		onExpire:  onExpire,
	}
	if total <= 0 {
		go c.fire()
		return c
	}
	go c.run(tick)
	return c
}

func (c *Countdown) run(tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			c.remaining -= tick
			if c.remaining < 0 {
				c.remaining = 0
			}
			remaining := c.remaining
			c.mu.Unlock()

			if c.stopped() {
				return
			}
			if c.onTick != nil {
				c.onTick(remaining)
			}
			if remaining == 0 {
				c.fire()
				return
			}
		}
	}
}

func (c *Countdown) fire() {
	if c.stopped() {
		return
	}
	c.fireOnce.Do(func() {
		c.Stop()
		if c.onExpire != nil {
			c.onExpire()
		}
	})
}

func (c *Countdown) stopped() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

func (c *Countdown) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Countdown) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

func (c *Countdown) Deadline() time.Time {
	return c.deadline
}
