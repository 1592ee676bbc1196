package fetcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncrsentry/sentry/internal/httputil"
	"github.com/ncrsentry/sentry/internal/timeutil"
)

const sampleFeed = `{"general": {"update_timestamp": "2026-07-29T12:00:00Z"}, "pilots": [
	{"cid": 1, "callsign": "AAL1", "latitude": 38.9, "longitude": -77.0}
]}`

func TestFetcher_DispatchesToSubscribers(t *testing.T) {
	client := httputil.NewMockHTTPClient()
	client.AddResponse(200, sampleFeed)
	clock := timeutil.NewMockClock(time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC))

	f := New("https://example.test/feed.json", 15*time.Second, client, clock)
	_, ch := f.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	select {
	case ev := <-ch:
		require.NotNil(t, ev.Feed)
		assert.Len(t, ev.Feed.Observations, 1)
		assert.Equal(t, 0, ev.Dropped)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatched event")
	}

	cancel()
	<-done
}

func TestFetcher_UnsubscribeStopsDelivery(t *testing.T) {
	client := httputil.NewMockHTTPClient()
	clock := timeutil.NewMockClock(time.Now())
	f := New("https://example.test/feed.json", 15*time.Second, client, clock)

	id, ch := f.Subscribe()
	f.Unsubscribe(id)

	_, open := <-ch
	assert.False(t, open)
}

func TestNextSleep_FallsBackWhenUpstreamTimestampUnknown(t *testing.T) {
	client := httputil.NewMockHTTPClient()
	clock := timeutil.NewMockClock(time.Now())
	f := New("https://example.test/feed.json", 15*time.Second, client, clock)

	sleep := f.nextSleep(time.Time{}, 0)
	assert.Equal(t, 15*time.Second, sleep)
}

func TestNextSleep_ClampedToBounds(t *testing.T) {
	client := httputil.NewMockHTTPClient()
	clock := timeutil.NewMockClock(time.Now())
	f := New("https://example.test/feed.json", 100*time.Second, client, clock)

	sleep := f.nextSleep(time.Time{}, 0)
	assert.Equal(t, maxSleep, sleep)
}

func TestNextSleep_CyclesOffsetEvery20Fetches(t *testing.T) {
	client := httputil.NewMockHTTPClient()
	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	clock := timeutil.NewMockClock(now)
	f := New("https://example.test/feed.json", 15*time.Second, client, clock)

	upstreamTS := now
	s0 := f.nextSleep(upstreamTS, 0)
	s20 := f.nextSleep(upstreamTS, 20)
	assert.NotEqual(t, s0, s20)
}

func TestFetchOnce_NonOKStatusIsError(t *testing.T) {
	client := httputil.NewMockHTTPClient()
	client.AddResponse(500, "")
	clock := timeutil.NewMockClock(time.Now())
	f := New("https://example.test/feed.json", 15*time.Second, client, clock)

	_, err := f.fetchOnce(context.Background())
	assert.Error(t, err)
}
