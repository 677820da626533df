// ABOUTME: Tests for the ingest handler and its helpers
// ABOUTME: Covers dedupe, mention strip, URL partition, record-first, drops

package ingest

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/ember-bridge/internal/archive"
	"github.com/2389/ember-bridge/internal/kv"
	"github.com/2389/ember-bridge/internal/transport"
)

type captureSink struct {
	mu   sync.Mutex
	jobs []*Job
	full bool
}

func (s *captureSink) TryEnqueue(job *Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return false
	}
	s.jobs = append(s.jobs, job)
	return true
}

func (s *captureSink) all() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, len(s.jobs))
	copy(out, s.jobs)
	return out
}

func newTestHandler(t *testing.T) (*Handler, *captureSink, *kv.Store, *archive.Archive) {
	t.Helper()
	store := kv.NewStore(kv.NewMemoryBackend(), "test", nil)
	arch, err := archive.New(filepath.Join(t.TempDir(), "archive.db"), nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { arch.Close() })

	sink := &captureSink{}
	return NewHandler("@emberbot", store, arch, sink, nil), sink, store, arch
}

func inboundMsg(id int, text string) *transport.Message {
	return &transport.Message{
		ChatID:    "42",
		MessageID: id,
		Sender:    "alice",
		Text:      text,
		Timestamp: time.Now(),
	}
}

func TestHandler_EnqueuesJobWithPartitionedURLs(t *testing.T) {
	h, sink, _, _ := newTestHandler(t)

	h.HandleMessage(context.Background(),
		inboundMsg(1, "@emberbot check https://youtu.be/abc123 and https://example.com/doc."))

	jobs := sink.all()
	require.Len(t, jobs, 1)
	job := jobs[0]
	assert.Equal(t, "check https://youtu.be/abc123 and https://example.com/doc.", job.Text)
	assert.Equal(t, []string{"https://youtu.be/abc123"}, job.YouTubeURLs)
	assert.Equal(t, []string{"https://example.com/doc"}, job.OtherURLs)
	assert.Equal(t, "alice", job.Sender)
}

func TestHandler_DropsDuplicateDeliveries(t *testing.T) {
	h, sink, _, _ := newTestHandler(t)
	ctx := context.Background()

	h.HandleMessage(ctx, inboundMsg(1, "hello"))
	h.HandleMessage(ctx, inboundMsg(1, "hello"))

	assert.Len(t, sink.all(), 1)
}

func TestHandler_RecordsBeforeEnqueue(t *testing.T) {
	h, _, store, arch := newTestHandler(t)
	ctx := context.Background()

	h.HandleMessage(ctx, inboundMsg(7, "persist me"))

	recs, err := store.Query(kv.KindMessage).Filter("chat_id", "42").All(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	msg := recs[0].(*kv.Message)
	assert.Equal(t, "persist me", msg.Content)
	assert.Equal(t, kv.DirectionIn, msg.Direction)

	rows, err := arch.Recent(ctx, "42", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 7, rows[0].MessageID)
}

func TestHandler_QueueFullDropsAfterRecording(t *testing.T) {
	h, sink, store, _ := newTestHandler(t)
	sink.full = true
	ctx := context.Background()

	h.HandleMessage(ctx, inboundMsg(3, "dropped but recorded"))

	assert.Empty(t, sink.all())
	recs, err := store.Query(kv.KindMessage).Filter("chat_id", "42").All(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestHandler_RedeliveryAfterRestartMarksJobReplayed(t *testing.T) {
	h, sink, store, _ := newTestHandler(t)
	ctx := context.Background()

	h.HandleMessage(ctx, inboundMsg(5, "original delivery"))

	// A restart empties the dedupe cache but not the store.
	h.seen = newDedupeCache(dedupeTTL, dedupeMaxSize)
	h.HandleMessage(ctx, inboundMsg(5, "original delivery"))

	jobs := sink.all()
	require.Len(t, jobs, 2)
	assert.False(t, jobs[0].Replayed)
	assert.True(t, jobs[1].Replayed)

	recs, err := store.Query(kv.KindMessage).Filter("chat_id", "42").All(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestHandler_MediaMessageKeepsIndicatorsOnly(t *testing.T) {
	h, sink, _, _ := newTestHandler(t)

	h.HandleMessage(context.Background(), &transport.Message{
		ChatID:    "42",
		MessageID: 9,
		Sender:    "alice",
		Text:      "look at this",
		HasMedia:  true,
		MediaKind: transport.MediaPhoto,
		Timestamp: time.Now(),
	})

	jobs := sink.all()
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].HasMedia)
	assert.Equal(t, transport.MediaPhoto, jobs[0].MediaKind)
}

func TestStripMentions(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"leading mention", "@emberbot do the thing", "do the thing"},
		{"mention with colon", "@emberbot: do it", "do it"},
		{"mid-text mention", "hey @emberbot please", "hey please"},
		{"case insensitive", "@EmberBot run", "run"},
		{"no mention", "just text", "just text"},
		{"other handle kept", "@someone hi", "@someone hi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stripMentions(tt.in, "@emberbot"))
		})
	}
}

func TestExtractURLs_Partition(t *testing.T) {
	yt, other := extractURLs(
		"see https://www.youtube.com/watch?v=x1 https://m.youtube.com/watch?v=x2 " +
			"and http://blog.example.org/post, plus https://youtu.be/short")

	assert.Equal(t, []string{
		"https://www.youtube.com/watch?v=x1",
		"https://m.youtube.com/watch?v=x2",
		"https://youtu.be/short",
	}, yt)
	assert.Equal(t, []string{"http://blog.example.org/post"}, other)
}

func TestDedupeCache_ExpiresAndEvicts(t *testing.T) {
	c := newDedupeCache(time.Minute, 2)
	now := time.Now()
	c.now = func() time.Time { return now }

	assert.False(t, c.checkAndMark("a"))
	assert.True(t, c.checkAndMark("a"))

	// TTL expiry readmits the key.
	now = now.Add(2 * time.Minute)
	assert.False(t, c.checkAndMark("a"))

	// Capacity eviction drops the oldest key.
	assert.False(t, c.checkAndMark("b"))
	assert.False(t, c.checkAndMark("c"))
	assert.False(t, c.checkAndMark("a"))
}
