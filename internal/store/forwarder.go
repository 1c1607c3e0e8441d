package store

import (
	"context"
	"sync"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/avlgate/internal/metrics"
)

type ForwarderConfig struct {
	QueueSize int
	Workers   int
	BatchSize int
	Timeout   time.Duration
}

// Forwarder hands fixes to a FixStore on its own goroutines. Put never
// blocks: when the queue is full the fix is dropped and logged.
type Forwarder struct {
	mu      sync.RWMutex
	closed  bool
	ch      chan Fix
	st      FixStore
	config  *ForwarderConfig
	metrics *metrics.AppMetrics
	log     log.Logger
	wg      sync.WaitGroup
}

func NewForwarder(st FixStore, m *metrics.AppMetrics, config *ForwarderConfig) *Forwarder {
	o := &Forwarder{st: st, metrics: m, config: config}
	if o.config.QueueSize <= 0 {
		o.config.QueueSize = 1024
	}
	if o.config.Workers <= 0 {
		o.config.Workers = 1
	}
	if o.config.BatchSize <= 0 {
		o.config.BatchSize = 1
	}
	if o.config.Timeout <= 0 {
		o.config.Timeout = 5 * time.Second
	}
	o.ch = make(chan Fix, o.config.QueueSize)
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "store-forwarder").Value()
	return o
}

func (f *Forwarder) Run() {
	f.log.Info().Int("workers", f.config.Workers).Int("queue", f.config.QueueSize).Msg("starting store workers")
	for i := 0; i < f.config.Workers; i++ {
		f.wg.Add(1)
		go f.worker()
	}
}

func (f *Forwarder) Put(imei string, lat, lon float64, ts int64) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	select {
	case f.ch <- Fix{IMEI: imei, Latitude: lat, Longitude: lon, Timestamp: ts}:
	default:
		f.observe("dropped", 1)
		f.log.Error().Str("imei", imei).Int64("ts", ts).Msg("store put blocked, fix dropped")
	}
}

// Close stops accepting fixes and waits for the queued ones to be written.
func (f *Forwarder) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	close(f.ch)
	f.mu.Unlock()
	f.wg.Wait()
}

func (f *Forwarder) worker() {
	defer f.wg.Done()
	batch := make([]Fix, 0, f.config.BatchSize)
	for fix := range f.ch {
		batch = append(batch[:0], fix)
	fill:
		for len(batch) < f.config.BatchSize {
			select {
			case next, ok := <-f.ch:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}
		f.write(batch)
	}
}

func (f *Forwarder) write(batch []Fix) {
	ctx, cancel := context.WithTimeout(context.Background(), f.config.Timeout)
	defer cancel()

	if bs, ok := f.st.(BatchStore); ok && len(batch) > 1 {
		if err := bs.AppendFixes(ctx, batch); err != nil {
			f.observe("error", len(batch))
			f.log.Error().Err(err).Int("length", len(batch)).Msg("batch append failed")
			return
		}
		f.observe("ok", len(batch))
		return
	}
	for _, fix := range batch {
		if err := f.st.AppendFix(ctx, fix.IMEI, fix.Latitude, fix.Longitude, fix.Timestamp); err != nil {
			f.observe("error", 1)
			f.log.Error().Err(err).Str("imei", fix.IMEI).Int64("ts", fix.Timestamp).Msg("append fix failed")
			continue
		}
		f.observe("ok", 1)
	}
}

func (f *Forwarder) observe(result string, n int) {
	if f.metrics != nil {
		f.metrics.StoreForwardTotal.WithLabelValues(result).Add(float64(n))
	}
}
