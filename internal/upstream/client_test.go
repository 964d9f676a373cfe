package upstream

import (
	"compress/gzip"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hlsgate/hlsgate/internal/config"
	"github.com/hlsgate/hlsgate/internal/headerparams"
)

func testUpstreamConfig() config.UpstreamConfig {
	return config.UpstreamConfig{
		RequestTimeout: config.Duration(5 * time.Second),
		ConnectTimeout: 2 * time.Second,
		RetryAttempts:  3,
		RetryDelay:     5 * time.Millisecond,
	}
}

func newTestClient(cfg config.UpstreamConfig) *Client {
	policy := NewPolicy(cfg, "test-agent/1.0", "https://landing.example/")
	return New(cfg, policy, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func dropConnection(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		panic("response writer does not support hijacking")
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		panic(err)
	}
	conn.Close()
}

func TestClient_Fetch(t *testing.T) {
	t.Run("successful request", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodGet, r.Method)
			w.Write([]byte("payload"))
		}))
		defer server.Close()

		client := newTestClient(testUpstreamConfig())
		resp, err := client.Fetch(context.Background(), server.URL+"/seg1.ts", nil)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, int64(7), resp.ContentLength)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "payload", string(body))
	})

	t.Run("applies default headers from policy", func(t *testing.T) {
		var gotUA, gotReferer, gotOrigin, gotEncoding string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotUA = r.Header.Get("User-Agent")
			gotReferer = r.Header.Get("Referer")
			gotOrigin = r.Header.Get("Origin")
			gotEncoding = r.Header.Get("Accept-Encoding")
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		client := newTestClient(testUpstreamConfig())
		resp, err := client.Fetch(context.Background(), server.URL+"/chan.m3u8", nil)
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, "test-agent/1.0", gotUA)
		assert.Equal(t, server.URL+"/", gotReferer)
		assert.Equal(t, server.URL, gotOrigin)
		assert.Contains(t, gotEncoding, "gzip")
		assert.Contains(t, gotEncoding, "br")
	})

	t.Run("forwarded headers override defaults", func(t *testing.T) {
		var gotUA, gotReferer string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotUA = r.Header.Get("User-Agent")
			gotReferer = r.Header.Get("Referer")
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		fwd := headerparams.Params{
			{Name: "User-Agent", Value: "VLC/3.0"},
			{Name: "Referer", Value: "https://portal.example/"},
		}
		client := newTestClient(testUpstreamConfig())
		resp, err := client.Fetch(context.Background(), server.URL, fwd)
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, "VLC/3.0", gotUA)
		assert.Equal(t, "https://portal.example/", gotReferer)
	})

	t.Run("rejects non-http target", func(t *testing.T) {
		client := newTestClient(testUpstreamConfig())
		_, err := client.Fetch(context.Background(), "ftp://example.com/file", nil)
		assert.Error(t, err)
	})
}

func TestClient_Fetch_StatusError(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client := newTestClient(testUpstreamConfig())
	_, err := client.Fetch(context.Background(), server.URL, nil)

	require.Error(t, err)
	se, ok := IsStatus(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusForbidden, se.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts), "non-2xx must not be retried")
}

func TestClient_Fetch_RetriesNetworkErrors(t *testing.T) {
	t.Run("recovers within the ladder", func(t *testing.T) {
		var attempts int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&attempts, 1) < 3 {
				dropConnection(w)
				return
			}
			w.Write([]byte("recovered"))
		}))
		defer server.Close()

		client := newTestClient(testUpstreamConfig())
		resp, err := client.Fetch(context.Background(), server.URL, nil)
		require.NoError(t, err)
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, "recovered", string(body))
		assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	})

	t.Run("gives up after all attempts", func(t *testing.T) {
		var attempts int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&attempts, 1)
			dropConnection(w)
		}))
		defer server.Close()

		client := newTestClient(testUpstreamConfig())
		_, err := client.Fetch(context.Background(), server.URL, nil)

		require.Error(t, err)
		assert.ErrorIs(t, err, ErrMaxRetries)
		assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	})
}

func TestClient_Fetch_Redirects(t *testing.T) {
	t.Run("final URL reflects redirects", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/chan.m3u8", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/v2/chan.m3u8", http.StatusFound)
		})
		mux.HandleFunc("/v2/chan.m3u8", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("#EXTM3U\n"))
		})
		server := httptest.NewServer(mux)
		defer server.Close()

		client := newTestClient(testUpstreamConfig())
		resp, err := client.Fetch(context.Background(), server.URL+"/chan.m3u8", nil)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, server.URL+"/v2/chan.m3u8", resp.FinalURL)
	})

	t.Run("stops after the redirect cap", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/loop", http.StatusFound)
		}))
		defer server.Close()

		cfg := testUpstreamConfig()
		cfg.RetryAttempts = 1
		client := newTestClient(cfg)

		_, err := client.Fetch(context.Background(), server.URL, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "redirects")
	})
}

func TestClient_Fetch_DecompressesGzip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		gz.Write([]byte("#EXTM3U\n#EXTINF:10,\nseg1.ts\n"))
		gz.Close()
	}))
	defer server.Close()

	client := newTestClient(testUpstreamConfig())
	resp, err := client.Fetch(context.Background(), server.URL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "#EXTM3U\n#EXTINF:10,\nseg1.ts\n", string(body))
	assert.Empty(t, resp.Header.Get("Content-Encoding"))
	assert.Equal(t, int64(-1), resp.ContentLength)
}

func TestClient_Fetch_TLSVerification(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("secure"))
	}))
	defer server.Close()

	t.Run("bypass accepts self-signed", func(t *testing.T) {
		cfg := testUpstreamConfig()
		cfg.VerifySSL = false
		client := newTestClient(cfg)

		resp, err := client.Fetch(context.Background(), server.URL, nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, "secure", string(body))
	})

	t.Run("verification rejects self-signed", func(t *testing.T) {
		cfg := testUpstreamConfig()
		cfg.VerifySSL = true
		cfg.RetryAttempts = 1
		client := newTestClient(cfg)

		_, err := client.Fetch(context.Background(), server.URL, nil)
		assert.Error(t, err)
	})
}

func TestClient_FetchBuffered(t *testing.T) {
	t.Run("reads whole body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("#EXTM3U\nseg1.ts\n"))
		}))
		defer server.Close()

		client := newTestClient(testUpstreamConfig())
		data, resp, err := client.FetchBuffered(context.Background(), server.URL, nil, 0)
		require.NoError(t, err)
		assert.Equal(t, "#EXTM3U\nseg1.ts\n", string(data))
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("rejects oversize body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write(make([]byte, 100))
		}))
		defer server.Close()

		client := newTestClient(testUpstreamConfig())
		_, _, err := client.FetchBuffered(context.Background(), server.URL, nil, 50)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrResponseTooLarge)
	})
}

func TestClient_Fetch_CircuitBreaker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dropConnection(w)
	}))
	defer server.Close()

	cfg := testUpstreamConfig()
	cfg.RetryAttempts = 1
	cfg.CircuitBreakerThreshold = 2
	cfg.CircuitBreakerTimeout = time.Minute
	client := newTestClient(cfg)
	require.NotNil(t, client.breaker)

	for i := 0; i < 2; i++ {
		_, err := client.Fetch(context.Background(), server.URL, nil)
		require.Error(t, err)
	}
	assert.Equal(t, CircuitOpen, client.breaker.State())

	_, err := client.Fetch(context.Background(), server.URL, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker")
}

func TestClient_BuildTransport(t *testing.T) {
	client := newTestClient(testUpstreamConfig())

	t.Run("socks5 proxy", func(t *testing.T) {
		tr, err := client.buildTransport("socks5://user:pw@proxy.example:1080", true, 0)
		require.NoError(t, err)
		assert.Nil(t, tr.Proxy)
		assert.NotNil(t, tr.DialContext)
	})

	t.Run("http proxy", func(t *testing.T) {
		tr, err := client.buildTransport("http://proxy.example:3128", true, 0)
		require.NoError(t, err)
		assert.NotNil(t, tr.Proxy)
	})

	t.Run("unsupported scheme", func(t *testing.T) {
		_, err := client.buildTransport("ftp://proxy.example:21", true, 0)
		assert.Error(t, err)
	})

	t.Run("verification bypass sets insecure TLS", func(t *testing.T) {
		tr, err := client.buildTransport("", false, 0)
		require.NoError(t, err)
		require.NotNil(t, tr.TLSClientConfig)
		assert.True(t, tr.TLSClientConfig.InsecureSkipVerify)
	})
}

func TestClient_BudgetLadder(t *testing.T) {
	cfg := testUpstreamConfig()
	cfg.ConnectTimeout = 10 * time.Second
	cfg.RequestTimeout = config.Duration(30 * time.Second)
	client := newTestClient(cfg)

	assert.Equal(t, 10*time.Second, client.connectBudget(0))
	assert.Equal(t, 15*time.Second, client.connectBudget(1))
	assert.Equal(t, 20*time.Second, client.connectBudget(2))
	assert.Equal(t, 30*time.Second, client.readBudget(0))
	assert.Equal(t, 45*time.Second, client.readBudget(1))
	assert.Equal(t, 60*time.Second, client.readBudget(2))

	// Attempts beyond the table reuse the deepest rung.
	assert.Equal(t, 2, rungFor(5))
}

func TestObfuscateURL(t *testing.T) {
	u := mustParse(t, "https://origin.example/get.php?user=bob&password=hunter2&h_cookie=session%3Dabc&h_Referer=https%3A%2F%2Fr.example%2F")
	out := obfuscateURL(u)

	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "session")
	assert.Contains(t, out, "user=bob")
	assert.Contains(t, out, "h_Referer")
}
