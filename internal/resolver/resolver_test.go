package resolver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hlsgate/hlsgate/internal/config"
	"github.com/hlsgate/hlsgate/internal/headerparams"
)

// newTestResolver builds a Resolver whose landing base is pinned to
// fallback; the descriptor source is left unset so nothing refreshes it.
func newTestResolver(fallback string) *Resolver {
	client := newClient()
	landing := NewLandingBase(client, "", fallback, time.Hour, discardLogger())
	cfg := config.ResolverConfig{UserAgent: "resolver-agent/1.0"}
	return New(client, landing, cfg, discardLogger())
}

func TestClean(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "plain", raw: "https://x.example/a.m3u8", want: "https://x.example/a.m3u8"},
		{name: "whitespace", raw: "  https://x.example/a.m3u8\n", want: "https://x.example/a.m3u8"},
		{name: "quoted", raw: `"https://x.example/a.m3u8"`, want: "https://x.example/a.m3u8"},
		{name: "escaped slashes", raw: `https:\/\/x.example\/a.m3u8`, want: "https://x.example/a.m3u8"},
		{name: "quoted and escaped", raw: `"https:\/\/x.example\/a.m3u8"`, want: "https://x.example/a.m3u8"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Clean(tt.raw))
		})
	}
}

func TestChannelID(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want string
	}{
		{name: "premium mono", url: "https://cdn.example/premium123/mono.m3u8", want: "123"},
		{name: "oha play", url: "https://oha.to/play/88/index.m3u8", want: "88"},
		{name: "bare integer", url: "42", want: "42"},
		{name: "regular stream", url: "https://x.example/chan.m3u8", want: ""},
		{name: "premium without digits", url: "https://cdn.example/premium/mono.m3u8", want: ""},
		{name: "not an integer", url: "12a", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, channelID(tt.url))
		})
	}
}

func TestResolver_DirectPlaylistFastPath(t *testing.T) {
	media := "#EXTM3U\n#EXTINF:-1,\nseg1.ts\n"
	mux := http.NewServeMux()
	mux.HandleFunc("/live/chan.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(media))
	})
	mux.HandleFunc("/redir", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/live/chan.m3u8", http.StatusFound)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	r := newTestResolver("https://fallback.example/")
	got := r.Resolve(context.Background(), server.URL+"/redir", nil)

	// The post-redirect URL is what downstream fetches resolve against.
	assert.Equal(t, server.URL+"/live/chan.m3u8", got.URL)
	assert.Equal(t, "resolver-agent/1.0", got.Headers.Get("User-Agent"))
}

func TestResolver_ForwardedHeadersWin(t *testing.T) {
	var gotUA, gotToken string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotToken = r.Header.Get("X-Token")
		w.Write([]byte("#EXTM3U\n#EXTINF:-1,\nseg1.ts\n"))
	}))
	defer server.Close()

	fwd := headerparams.Params{
		{Name: "User-Agent", Value: "VLC/3.0.18"},
		{Name: "X-Token", Value: "abc"},
	}
	r := newTestResolver("https://fallback.example/")
	got := r.Resolve(context.Background(), server.URL+"/chan", fwd)

	assert.Equal(t, "VLC/3.0.18", gotUA)
	assert.Equal(t, "abc", gotToken)
	assert.Equal(t, "VLC/3.0.18", got.Headers.Get("User-Agent"))
	assert.Equal(t, "abc", got.Headers.Get("X-Token"))
}

func TestResolver_ChannelIDLandsOnWatchPage(t *testing.T) {
	mux := http.NewServeMux()
	var requested string
	mux.HandleFunc("/watch/stream-541.php", func(w http.ResponseWriter, r *http.Request) {
		requested = r.URL.Path
		w.Write([]byte("#EXTM3U\n#EXTINF:-1,\nseg1.ts\n"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	r := newTestResolver(server.URL)
	got := r.Resolve(context.Background(), "541", nil)

	assert.Equal(t, "/watch/stream-541.php", requested)
	assert.Equal(t, server.URL+"/watch/stream-541.php", got.URL)
}

func TestResolver_PremiumURLNormalises(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/watch/stream-220.php", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\n#EXTINF:-1,\nseg1.ts\n"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	r := newTestResolver(server.URL)
	got := r.Resolve(context.Background(), "https://old.newkso.ru/premium220/mono.m3u8", nil)

	assert.Equal(t, server.URL+"/watch/stream-220.php", got.URL)
}

func TestResolver_FallsBackWhenFetchFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	r := newTestResolver("https://fallback.example/")
	target := server.URL + "/blocked.m3u8"
	got := r.Resolve(context.Background(), target, nil)

	assert.Equal(t, target, got.URL)
	assert.Equal(t, "resolver-agent/1.0", got.Headers.Get("User-Agent"))
}

func TestResolver_FallsBackWithoutPlayerAnchor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body>stream offline</body></html>"))
	}))
	defer server.Close()

	r := newTestResolver("https://fallback.example/")
	target := server.URL + "/embed/stream-42.php"
	got := r.Resolve(context.Background(), target, nil)

	require.Equal(t, target, got.URL)
	assert.Equal(t, "resolver-agent/1.0", got.Headers.Get("User-Agent"))
}
