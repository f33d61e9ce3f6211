// Package telemetry ships hash comparison records off the request path.
//
// A Dispatcher accepts records without blocking, batches them, and hands
// each batch to a Writer from a single background goroutine. When the
// buffer is full new records are dropped and counted; telemetry never
// slows down or fails an authentication request.
package telemetry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"credguard/internal/models"

	"go.uber.org/zap"
)

var (
	ErrBufferFull = errors.New("telemetry buffer full")
	ErrClosed     = errors.New("telemetry dispatcher closed")
)

// Writer persists a batch of records.
type Writer interface {
	WriteComparisons(ctx context.Context, records []*models.HashComparisonRecord) error
}

type Config struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		BufferSize:    1024,
		BatchSize:     100,
		FlushInterval: 2 * time.Second,
		WriteTimeout:  10 * time.Second,
	}
}

type Stats struct {
	Accepted uint64
	Dropped  uint64
	Written  uint64
	Failed   uint64
}

type Dispatcher struct {
	writer Writer
	cfg    Config
	logger *zap.Logger

	queue chan *models.HashComparisonRecord
	flush chan chan struct{}
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	accepted atomic.Uint64
	dropped  atomic.Uint64
	written  atomic.Uint64
	failed   atomic.Uint64
}

func NewDispatcher(writer Writer, cfg Config, logger *zap.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}

	d := &Dispatcher{
		writer: writer,
		cfg:    cfg,
		logger: logger,
		queue:  make(chan *models.HashComparisonRecord, cfg.BufferSize),
		flush:  make(chan chan struct{}),
		done:   make(chan struct{}),
	}
	d.wg.Add(1)
	go d.loop()
	return d
}

// AppendComparisonRecord enqueues record. It never blocks.
func (d *Dispatcher) AppendComparisonRecord(ctx context.Context, record *models.HashComparisonRecord) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	select {
	case d.queue <- record:
		d.accepted.Add(1)
		return nil
	default:
		d.dropped.Add(1)
		return ErrBufferFull
	}
}

// Flush blocks until everything enqueued before the call has been handed
// to the writer, or ctx ends.
func (d *Dispatcher) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case d.flush <- ack:
	case <-d.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting records and drains the buffer.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	return nil
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Accepted: d.accepted.Load(),
		Dropped:  d.dropped.Load(),
		Written:  d.written.Load(),
		Failed:   d.failed.Load(),
	}
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	defer close(d.done)

	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*models.HashComparisonRecord, 0, d.cfg.BatchSize)
	for {
		select {
		case rec, ok := <-d.queue:
			if !ok {
				d.write(batch)
				return
			}
			batch = append(batch, rec)
			if len(batch) >= d.cfg.BatchSize {
				batch = d.write(batch)
			}
		case ack := <-d.flush:
			batch = d.drain(batch)
			batch = d.write(batch)
			close(ack)
		case <-ticker.C:
			batch = d.write(batch)
		}
	}
}

// drain moves whatever is already buffered into batch, writing full batches.
func (d *Dispatcher) drain(batch []*models.HashComparisonRecord) []*models.HashComparisonRecord {
	for {
		select {
		case rec, ok := <-d.queue:
			if !ok {
				return batch
			}
			batch = append(batch, rec)
			if len(batch) >= d.cfg.BatchSize {
				batch = d.write(batch)
			}
		default:
			return batch
		}
	}
}

func (d *Dispatcher) write(batch []*models.HashComparisonRecord) []*models.HashComparisonRecord {
	if len(batch) == 0 {
		return batch
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.WriteTimeout)
	defer cancel()

	if err := d.writer.WriteComparisons(ctx, batch); err != nil {
		d.failed.Add(uint64(len(batch)))
		d.logger.Warn("Comparison batch not written",
			zap.Int("records", len(batch)),
			zap.Error(err),
		)
	} else {
		d.written.Add(uint64(len(batch)))
	}
	// Writers may keep the slice.
	return make([]*models.HashComparisonRecord, 0, d.cfg.BatchSize)
}
