// Package notify delivers user-facing event messages. Dispatch is
// fire-and-forget through a bounded queue: a slow or dead messenger
// drops notifications, it never stalls the trading loop.
package notify

import (
	"sync"

	"github.com/chaiwat-t/mt5-gemini-bot/internal/logger"
)

// Severity levels attached to every message.
const (
	LevelInfo    = "info"
	LevelSuccess = "success"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Notifier delivers one message to its channel.
type Notifier interface {
	Send(level, message string) error
}

// Discard is a Notifier that drops everything. It stands in when
// notifications are disabled.
type Discard struct{}

func (Discard) Send(string, string) error { return nil }

type queued struct {
	level   string
	message string
}

// Dispatcher decouples the trading loop from message delivery. Post
// never blocks; when the queue is full the message is dropped and
// counted.
type Dispatcher struct {
	notifier Notifier
	log      *logger.Logger
	queue    chan queued
	wg       sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	dropped uint64
}

// NewDispatcher starts the delivery worker. queueSize bounds the
// number of undelivered messages held at once.
func NewDispatcher(notifier Notifier, queueSize int, log *logger.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 64
	}
	d := &Dispatcher{
		notifier: notifier,
		log:      log.Component("notify"),
		queue:    make(chan queued, queueSize),
	}
	d.wg.Add(1)
	go d.deliver()
	return d
}

func (d *Dispatcher) deliver() {
	defer d.wg.Done()
	for item := range d.queue {
		if err := d.notifier.Send(item.level, item.message); err != nil {
			d.log.LogError("notification delivery", err)
		}
	}
}

// Post enqueues a message without blocking. Messages posted after
// Close, or into a full queue, are dropped with a logged warning.
func (d *Dispatcher) Post(level, message string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.dropped++
		return
	}

	select {
	case d.queue <- queued{level: level, message: message}:
	default:
		d.dropped++
		d.log.Warning("Notification queue full, dropping %s message (%d dropped)", level, d.dropped)
	}
}

// Dropped returns how many messages were discarded.
func (d *Dispatcher) Dropped() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Close drains the queue and waits for in-flight deliveries.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	close(d.queue)
	d.wg.Wait()
}
