// ABOUTME: Tests for the timedtext caption fetcher
// ABOUTME: Covers id extraction, entity unescaping, and missing tracks

package enrich

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func timedTextServer(t *testing.T, handler http.HandlerFunc) *TimedTextFetcher {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &TimedTextFetcher{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: srv.URL,
		lang:    "en",
	}
}

func TestTimedTextFetcher_JoinsAndUnescapesCues(t *testing.T) {
	f := timedTextServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "dQw4w9WgXcQ", r.URL.Query().Get("v"))
		assert.Equal(t, "en", r.URL.Query().Get("lang"))
		fmt.Fprint(w, `<?xml version="1.0" encoding="utf-8"?>
<transcript>
  <text start="0" dur="2.5">never gonna give</text>
  <text start="2.5" dur="2">you up &amp;amp; never gonna</text>
  <text start="4.5" dur="2">let you down</text>
</transcript>`)
	})

	got, err := f.Transcript(context.Background(),
		"https://www.youtube.com/watch?v=dQw4w9WgXcQ")
	require.NoError(t, err)
	assert.Equal(t, "never gonna give you up & never gonna let you down", got)
}

func TestTimedTextFetcher_NoTrackIsAnError(t *testing.T) {
	f := timedTextServer(t, func(w http.ResponseWriter, _ *http.Request) {
		// The endpoint answers 200 with an empty body for uncaptioned videos.
		w.WriteHeader(http.StatusOK)
	})

	_, err := f.Transcript(context.Background(), "https://youtu.be/abc123")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no caption track")
}

func TestTimedTextFetcher_HTTPErrorPropagates(t *testing.T) {
	f := timedTextServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := f.Transcript(context.Background(), "https://youtu.be/abc123")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 404")
}

func TestVideoID_Forms(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		want    string
		wantErr bool
	}{
		{"watch page", "https://www.youtube.com/watch?v=x1", "x1", false},
		{"mobile watch", "https://m.youtube.com/watch?v=x2&t=30s", "x2", false},
		{"short link", "https://youtu.be/sh0rt", "sh0rt", false},
		{"shorts", "https://www.youtube.com/shorts/sh0rts", "sh0rts", false},
		{"embed", "https://www.youtube.com/embed/emb3d", "emb3d", false},
		{"live", "https://www.youtube.com/live/l1ve", "l1ve", false},
		{"channel page", "https://www.youtube.com/@somechannel", "", true},
		{"bare short link", "https://youtu.be/", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := videoID(tt.url)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
