package export

import (
	"context"
	"sync"

	"github.com/markus-lassfolk/uomping/pkg"
	"github.com/markus-lassfolk/uomping/pkg/logx"
)

// Publisher sends a JSON document on a topic
type Publisher interface {
	PublishJSON(topic string, payload interface{}) error
}

// BusSink publishes every record on <prefix>/<kind>. Save only queues;
// Run does the publishing.
type BusSink struct {
	prefix string
	pub    Publisher
	logger *logx.Logger

	queue chan pkg.Record
	once  sync.Once
	done  chan struct{}

	mu      sync.Mutex
	dropped int
}

// NewBusSink creates a sink with a queue of size records
func NewBusSink(pub Publisher, prefix string, size int, logger *logx.Logger) *BusSink {
	if logger == nil {
		logger = &logx.Logger{}
	}
	if size <= 0 {
		size = 256
	}
	return &BusSink{
		prefix: prefix,
		pub:    pub,
		logger: logger,
		queue:  make(chan pkg.Record, size),
		done:   make(chan struct{}),
	}
}

// Topic returns the topic a record is published on
func (s *BusSink) Topic(rec pkg.Record) string {
	return s.prefix + "/" + string(rec.Kind())
}

// Save queues rec, dropping it when the queue is full
func (s *BusSink) Save(rec pkg.Record) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.queue <- rec:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		s.logger.Warn("Publish queue full, dropping record", "kind", string(rec.Kind()))
	}
}

// Run publishes queued records until Close or ctx cancellation
func (s *BusSink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			s.drain()
			return
		case rec := <-s.queue:
			s.publish(rec)
		}
	}
}

func (s *BusSink) drain() {
	for {
		select {
		case rec := <-s.queue:
			s.publish(rec)
		default:
			return
		}
	}
}

func (s *BusSink) publish(rec pkg.Record) {
	if err := s.pub.PublishJSON(s.Topic(rec), rec); err != nil {
		s.logger.Debug("Failed to publish record", "topic", s.Topic(rec), "error", err)
	}
}

// Close stops accepting records; Run publishes what is queued and returns
func (s *BusSink) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// Dropped returns the number of records lost to a full queue
func (s *BusSink) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
