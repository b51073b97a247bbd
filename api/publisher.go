package api

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

// PublisherConfig tunes the event publisher. Zero values fall back to defaults.
type PublisherConfig struct {
	Workers        int
	Buffer         int
	HandoffTimeout time.Duration
	PublishTimeout time.Duration
	RetryInitial   time.Duration
	RetryMax       time.Duration
	MaxAttempts    int
}

func (c PublisherConfig) withDefaults() PublisherConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Buffer <= 0 {
		c.Buffer = c.Workers * 64
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 30 * time.Second
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 250 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	return c
}

// Publisher hands domain events to a fixed pool of workers that deliver them
// to an EventSink, retrying failures with exponential backoff. Events that
// cannot be handed off or delivered are logged and dropped.
type Publisher struct {
	cfg    PublisherConfig
	sink   EventSink
	logger *log.Logger

	mu     sync.RWMutex
	closed bool
	jobs   chan domain.Event
	stopCh chan struct{}
	wg     sync.WaitGroup
}

var errPublisherClosed = errors.New("event publisher closed")

// NewPublisher starts the worker pool.
func NewPublisher(sink EventSink, cfg PublisherConfig, logger *log.Logger) *Publisher {
	if sink == nil {
		panic("api.NewPublisher: sink is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	cfg = cfg.withDefaults()
	p := &Publisher{
		cfg:    cfg,
		sink:   sink,
		logger: logger,
		jobs:   make(chan domain.Event, cfg.Buffer),
		stopCh: make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	logger.Infof("event publisher started, workers: %d, buffer: %d, handoff: %v", cfg.Workers, cfg.Buffer, cfg.HandoffTimeout)
	return p
}

// Enqueue hands ev to the workers. It waits at most the handoff timeout for
// buffer space and reports whether the event was accepted.
func (p *Publisher) Enqueue(ev domain.Event) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.jobs <- ev:
		return true
	default:
	}
	if p.cfg.HandoffTimeout <= 0 {
		return false
	}
	timer := time.NewTimer(p.cfg.HandoffTimeout)
	defer timer.Stop()
	select {
	case p.jobs <- ev:
		return true
	case <-timer.C:
		return false
	}
}

// Close stops accepting events and waits for the queued ones to be delivered.
// When ctx ends first, pending retries are abandoned.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errPublisherClosed
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		close(p.stopCh)
		return nil
	case <-ctx.Done():
		close(p.stopCh)
		<-done
		return ctx.Err()
	}
}

func (p *Publisher) worker(id int) {
	defer p.wg.Done()
	for ev := range p.jobs {
		p.deliver(id, ev)
	}
}

func (p *Publisher) deliver(workerID int, ev domain.Event) {
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PublishTimeout)
		err := p.sink.Publish(ctx, ev)
		cancel()
		if err == nil {
			return
		}
		entry := p.logger.WithError(err).WithFields(log.Fields{
			"worker":  workerID,
			"event":   ev.ID,
			"type":    ev.Type,
			"user":    ev.UserID,
			"attempt": attempt,
		})
		if attempt >= p.cfg.MaxAttempts {
			entry.Error("event publish failed, dropping event")
			return
		}
		entry.Warn("event publish failed, retrying")

		timer := time.NewTimer(exponentialBackoff(attempt, p.cfg.RetryInitial, p.cfg.RetryMax))
		select {
		case <-timer.C:
		case <-p.stopCh:
			timer.Stop()
			entry.Error("event publisher stopped before retry")
			return
		}
	}
}

func exponentialBackoff(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		initial = time.Second
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	if attempt <= 1 {
		return initial
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}
