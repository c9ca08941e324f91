package kafkafeed

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/SARVESHVARADKAR123/peersync/internal/domain"
	"github.com/SARVESHVARADKAR123/peersync/internal/feed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

func TestRecordCarrier(t *testing.T) {
	rec := &kgo.Record{}
	c := recordCarrier{record: rec}

	c.Set("traceparent", "00-abc-def-01")
	c.Set(topicHeader, "databases.main.collections.calls.documents")

	assert.Equal(t, "00-abc-def-01", c.Get("traceparent"))
	assert.Equal(t, "", c.Get("missing"))
	assert.ElementsMatch(t, []string{"traceparent", topicHeader}, c.Keys())
}

func TestHandle_DeliversToMatchingSubscribers(t *testing.T) {
	f := &Feed{Hub: feed.NewHub(zap.NewNop()), log: zap.NewNop()}
	topic := feed.Topic("main", "calls")

	var mu sync.Mutex
	var got []feed.RawEvent
	cancel, err := f.Subscribe(context.Background(), topic, func(ev feed.RawEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer cancel()

	ev := feed.NewRawEvent("main", "calls", "c1", domain.OpCreate, []byte(`{"$id":"c1"}`), time.Now())
	value, err := json.Marshal(ev)
	require.NoError(t, err)

	f.handle(context.Background(), &kgo.Record{
		Value:   value,
		Headers: []kgo.RecordHeader{{Key: topicHeader, Value: []byte(topic)}},
	})
	f.handle(context.Background(), &kgo.Record{Value: []byte("not json"), Key: []byte(topic)})
	f.handle(context.Background(), &kgo.Record{
		Value: value,
		Key:   []byte(feed.Topic("main", "messages")),
	})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, ev.Events, got[0].Events)
}
