// Package fetcher polls the upstream VATSIM-shaped feed on an adaptive
// cadence and fans the parsed result out to subscribers. The fan-out
// pattern (Subscribe/Unsubscribe returning a channel, non-blocking
// send-or-drop to slow subscribers) is carried over from a serial-line
// ingest worker that previously lived in this repo; the transport beneath
// it is now HTTPS JSON polling instead of a serial line reader.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ncrsentry/sentry/internal/httputil"
	"github.com/ncrsentry/sentry/internal/monitoring"
	"github.com/ncrsentry/sentry/internal/timeutil"
	"github.com/ncrsentry/sentry/internal/vatsim"
)

// Event is one successfully parsed fetch, delivered to every subscriber.
type Event struct {
	Feed       *vatsim.Feed
	RawJSON    []byte
	WallTS     time.Time
	UpstreamTS time.Time
	Dropped    int
}

// offsetSteps is the small pattern the fetch offset cycles through every
// 20 fetches, so cadence doesn't settle at one extreme of the upstream's
// publish cycle.
var offsetSteps = []time.Duration{
	500 * time.Millisecond,
	1000 * time.Millisecond,
	1500 * time.Millisecond,
	2000 * time.Millisecond,
	2500 * time.Millisecond,
}

const (
	minSleep = 5 * time.Second
	maxSleep = 20 * time.Second

	requestTotalTimeout   = 60 * time.Second
	requestConnectTimeout = 30 * time.Second

	offsetCycleLength = 20
)

// Fetcher polls url on the adaptive cadence described in the package docs
// and synchronously dispatches each successful parse to subscribers.
type Fetcher struct {
	url             string
	fallbackInterval time.Duration
	client          httputil.HTTPClient
	clock           timeutil.Clock

	mu          sync.Mutex
	subscribers map[string]chan Event
	fetchCount  int
	lastSuccess time.Time
}

// New creates a Fetcher. fallbackInterval is used when the upstream's own
// update_timestamp is unknown (first fetch, or a parse failure).
func New(url string, fallbackInterval time.Duration, client httputil.HTTPClient, clock timeutil.Clock) *Fetcher {
	return &Fetcher{
		url:              url,
		fallbackInterval: fallbackInterval,
		client:           client,
		clock:            clock,
		subscribers:      make(map[string]chan Event),
	}
}

// Subscribe registers a new subscriber channel. The channel is buffered;
// a slow subscriber has fetches dropped rather than blocking dispatch.
func (f *Fetcher) Subscribe() (string, chan Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := uuid.NewString()
	ch := make(chan Event, 1)
	f.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscriber's channel.
func (f *Fetcher) Unsubscribe(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if ch, ok := f.subscribers[id]; ok {
		close(ch)
		delete(f.subscribers, id)
	}
}

func (f *Fetcher) dispatch(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ch := range f.subscribers {
		select {
		case ch <- ev:
		default:
			monitoring.Logf("fetcher: subscriber channel full, dropping event")
		}
	}
}

// DataAge returns how long it has been since the last successful fetch.
// Before the first success it is measured from the zero time.
func (f *Fetcher) DataAge() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clock.Since(f.lastSuccess)
}

// Run polls until ctx is cancelled. It never returns an error on a single
// failed fetch — network and parse errors are logged and the loop
// continues; it only returns when ctx is done.
func (f *Fetcher) Run(ctx context.Context) error {
	var lastUpstreamTS time.Time

	for {
		fetchedAt := f.clock.Now()
		ev, err := f.fetchOnce(ctx)
		if err != nil {
			monitoring.Logf("fetcher: fetch failed: %v", err)
		} else {
			f.mu.Lock()
			f.lastSuccess = fetchedAt
			f.mu.Unlock()
			lastUpstreamTS = ev.UpstreamTS
			f.dispatch(*ev)
		}

		f.mu.Lock()
		f.fetchCount++
		count := f.fetchCount
		f.mu.Unlock()

		sleep := f.nextSleep(lastUpstreamTS, count)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.clock.After(sleep):
		}
	}
}

func (f *Fetcher) nextSleep(lastUpstreamTS time.Time, fetchCount int) time.Duration {
	offset := offsetSteps[(fetchCount/offsetCycleLength)%len(offsetSteps)]

	if lastUpstreamTS.IsZero() {
		return clamp(f.fallbackInterval, minSleep, maxSleep)
	}

	nextExpected := lastUpstreamTS.Add(15 * time.Second)
	target := nextExpected.Add(offset)
	sleep := f.clock.Until(target)
	return clamp(sleep, minSleep, maxSleep)
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

func (f *Fetcher) fetchOnce(ctx context.Context) (*Event, error) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTotalTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	feed, dropped, err := vatsim.ParseFeed(body)
	if err != nil {
		return nil, fmt.Errorf("parse upstream feed: %w", err)
	}

	return &Event{
		Feed:       feed,
		RawJSON:    body,
		WallTS:     f.clock.Now(),
		UpstreamTS: feed.UpdateTimestamp,
		Dropped:    dropped,
	}, nil
}
