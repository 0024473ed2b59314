package postgres

import (
	"errors"
	"log/slog"
	stdSync "sync"
	"sync/atomic"
	"time"

	"github.com/lib/pq"
)

// NotificationListener holds a LISTEN connection on one channel and fans
// each notification out to subscribers.
type NotificationListener struct {
	channel  string
	logger   *slog.Logger
	listener *pq.Listener

	mu     stdSync.Mutex
	subs   map[uint64]chan struct{}
	nextID uint64

	closed atomic.Bool
	done   chan struct{}
	wg     stdSync.WaitGroup
}

// NewNotificationListener prepares a listener for channel. Nothing connects
// until Start.
func NewNotificationListener(connectionString, channel string, minReconnect, maxReconnect time.Duration, logger *slog.Logger) *NotificationListener {
	if logger == nil {
		logger = slog.Default()
	}
	nl := &NotificationListener{
		channel: channel,
		logger:  logger,
		subs:    make(map[uint64]chan struct{}),
		done:    make(chan struct{}),
	}
	nl.listener = pq.NewListener(connectionString, minReconnect, maxReconnect, nl.eventCallback)
	return nl
}

// eventCallback handles pq.Listener connection events.
func (nl *NotificationListener) eventCallback(event pq.ListenerEventType, err error) {
	switch event {
	case pq.ListenerEventConnected:
		nl.logger.Debug("Connected for LISTEN/NOTIFY", slog.String("channel", nl.channel))
	case pq.ListenerEventDisconnected:
		nl.logger.Warn("LISTEN connection lost", slog.Any("error", err))
	case pq.ListenerEventReconnected:
		nl.logger.Info("LISTEN connection restored", slog.String("channel", nl.channel))
	case pq.ListenerEventConnectionAttemptFailed:
		nl.logger.Warn("LISTEN connection attempt failed", slog.Any("error", err))
	}
}

// Start subscribes to the channel and begins dispatching.
func (nl *NotificationListener) Start() error {
	if nl.closed.Load() {
		return errors.New("listener is closed")
	}
	if err := nl.listener.Listen(nl.channel); err != nil {
		return err
	}
	nl.wg.Add(1)
	go nl.listenLoop()
	return nil
}

func (nl *NotificationListener) listenLoop() {
	defer nl.wg.Done()
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-nl.done:
			return
		case _, ok := <-nl.listener.Notify:
			if !ok {
				return
			}
			// A nil notification follows a reconnect; anything may have
			// been missed, so wake everyone either way.
			nl.broadcast()
		case <-ping.C:
			go func() {
				if err := nl.listener.Ping(); err != nil {
					nl.logger.Debug("LISTEN ping failed", slog.String("error", err.Error()))
				}
			}()
		}
	}
}

func (nl *NotificationListener) broadcast() {
	nl.mu.Lock()
	defer nl.mu.Unlock()
	for _, ch := range nl.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe registers a wake-up channel. Notifications coalesce while the
// subscriber is busy.
func (nl *NotificationListener) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	nl.mu.Lock()
	nl.nextID++
	id := nl.nextID
	nl.subs[id] = ch
	nl.mu.Unlock()

	return ch, func() {
		nl.mu.Lock()
		delete(nl.subs, id)
		nl.mu.Unlock()
	}
}

// Subscribers returns the number of registered subscribers.
func (nl *NotificationListener) Subscribers() int {
	nl.mu.Lock()
	defer nl.mu.Unlock()
	return len(nl.subs)
}

// Close shuts down the listener.
func (nl *NotificationListener) Close() error {
	if !nl.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(nl.done)
	err := nl.listener.Close()
	nl.wg.Wait()
	return err
}
