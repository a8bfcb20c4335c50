package ledger

import (
	"context"
	"sync"
	"time"

	domrepo "marketpulse/internal/domain/repository"
	applogger "marketpulse/pkg/logger"
)

// MarkFeed streams market quotes into the ledger's mark prices. Quotes are
// throttled per market so a chatty feed cannot monopolize the ledger lock.
type MarkFeed struct {
	stream  domrepo.QuoteStream
	ledger  *Ledger
	metrics domrepo.Metrics
	l       *applogger.Logger

	maxPerSecond int
	mu           sync.Mutex
	lastSeen     map[string]time.Time

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type MarkFeedOption func(*MarkFeed)

// WithMaxQuotesPerSecond caps accepted quotes per market per second.
func WithMaxQuotesPerSecond(n int) MarkFeedOption {
	return func(f *MarkFeed) {
		if n > 0 {
			f.maxPerSecond = n
		}
	}
}

func NewMarkFeed(stream domrepo.QuoteStream, ledger *Ledger, metrics domrepo.Metrics,
	l *applogger.Logger, opts ...MarkFeedOption) *MarkFeed {
	f := &MarkFeed{
		stream:       stream,
		ledger:       ledger,
		metrics:      metrics,
		l:            l.With("mark_feed"),
		maxPerSecond: 10,
		lastSeen:     make(map[string]time.Time),
		stopChan:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Start connects, subscribes to the open positions' markets and pumps quotes
// until Stop. Connection failures back off and reconnect; the feed never
// takes the process down.
func (f *MarkFeed) Start(ctx context.Context, marketIDs []string) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		backoff := time.Second
		for {
			select {
			case <-f.stopChan:
				return
			case <-ctx.Done():
				return
			default:
			}
			if err := f.run(ctx, marketIDs); err != nil {
				f.l.Warn("quote stream interrupted", applogger.Error(err))
				f.metrics.RecordError("quote_stream")
			}
			select {
			case <-time.After(backoff):
				if backoff < 30*time.Second {
					backoff *= 2
				}
			case <-f.stopChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (f *MarkFeed) run(ctx context.Context, marketIDs []string) error {
	if err := f.stream.Connect(ctx); err != nil {
		return err
	}
	defer f.stream.Close()
	if err := f.stream.Subscribe(ctx, marketIDs); err != nil {
		return err
	}

	quotes, errs := f.stream.Read(ctx)
	for {
		select {
		case q, ok := <-quotes:
			if !ok {
				return nil
			}
			if f.allow(q.MarketID) {
				f.ledger.SetMark(q.MarketID, q.Price)
			}
		case err := <-errs:
			return err
		case <-f.stopChan:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// Stop ends the pump and waits for it to exit.
func (f *MarkFeed) Stop() {
	f.stopOnce.Do(func() { close(f.stopChan) })
	f.wg.Wait()
}

func (f *MarkFeed) allow(marketID string) bool {
	now := time.Now()
	f.mu.Lock()
	defer f.mu.Unlock()
	last := f.lastSeen[marketID]
	if !last.IsZero() && now.Sub(last) < time.Second/time.Duration(f.maxPerSecond) {
		return false
	}
	f.lastSeen[marketID] = now
	return true
}
