package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hlsgate/hlsgate/internal/headerparams"
	"github.com/hlsgate/hlsgate/internal/metrics"
	"github.com/hlsgate/hlsgate/internal/observability"
	"github.com/hlsgate/hlsgate/internal/upstream"
)

// Matches the base URL assignment inside the remote descriptor.
var srcPattern = regexp.MustCompile(`src\s*=\s*"([^"]*)"`)

const maxDescriptorBytes = 1 << 20

// LandingBase tracks the resolver family's landing URL. The remote
// descriptor is re-read at most once per refresh interval; concurrent
// callers share one fetch and failures keep the last known good value.
type LandingBase struct {
	client    *upstream.Client
	sourceURL string
	interval  time.Duration
	log       *slog.Logger

	group singleflight.Group

	mu        sync.RWMutex
	current   string
	fetchedAt time.Time
}

// NewLandingBase returns a LandingBase seeded with fallback, which is
// served until the first successful refresh.
func NewLandingBase(client *upstream.Client, sourceURL, fallback string, interval time.Duration, logger *slog.Logger) *LandingBase {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &LandingBase{
		client:    client,
		sourceURL: sourceURL,
		interval:  interval,
		log:       observability.WithComponent(logger, "resolver"),
		current:   normalizeBase(fallback),
	}
}

// Base returns the current landing base URL, with a trailing slash,
// refreshing it first when the refresh interval has elapsed.
func (l *LandingBase) Base(ctx context.Context) string {
	l.mu.RLock()
	current, fetchedAt := l.current, l.fetchedAt
	l.mu.RUnlock()

	if time.Since(fetchedAt) < l.interval {
		return current
	}
	if base, err := l.refresh(ctx, false); err == nil {
		return base
	}
	return current
}

// Origin returns the current landing base without its trailing slash,
// the form Origin headers take.
func (l *LandingBase) Origin(ctx context.Context) string {
	return strings.TrimSuffix(l.Base(ctx), "/")
}

// Refresh re-reads the remote descriptor now, regardless of age. On
// failure the previous value is kept and returned alongside the error.
func (l *LandingBase) Refresh(ctx context.Context) (string, error) {
	return l.refresh(ctx, true)
}

// refresh collapses concurrent callers into one descriptor fetch. Lazy
// callers re-check freshness inside the flight so a burst of requests
// after expiry produces exactly one fetch.
func (l *LandingBase) refresh(ctx context.Context, force bool) (string, error) {
	result, err, _ := l.group.Do("landing-base", func() (any, error) {
		if !force {
			l.mu.RLock()
			current, fetchedAt := l.current, l.fetchedAt
			l.mu.RUnlock()
			if time.Since(fetchedAt) < l.interval {
				return current, nil
			}
		}

		done := observability.TimedOperation(ctx, l.log, "refresh_landing_base")
		base, err := l.fetch(ctx)
		done()
		metrics.IncLandingRefresh(err == nil)
		if err != nil {
			l.log.Warn("landing base refresh failed, keeping previous",
				slog.String("source", l.sourceURL),
				slog.Any("error", err))
			l.mu.Lock()
			// Back off a full interval after a failure.
			l.fetchedAt = time.Now()
			previous := l.current
			l.mu.Unlock()
			return previous, err
		}

		l.mu.Lock()
		changed := base != l.current
		l.current = base
		l.fetchedAt = time.Now()
		l.mu.Unlock()

		if changed {
			l.log.Info("landing base updated", slog.String("base", base))
		}
		return base, nil
	})
	return result.(string), err
}

func (l *LandingBase) fetch(ctx context.Context) (string, error) {
	if l.sourceURL == "" {
		return "", fmt.Errorf("no descriptor source configured")
	}
	body, _, err := l.client.FetchBuffered(ctx, l.sourceURL, nil, maxDescriptorBytes)
	if err != nil {
		return "", err
	}
	m := srcPattern.FindSubmatch(body)
	if m == nil {
		return "", fmt.Errorf("descriptor contains no src assignment")
	}
	base := strings.TrimSpace(string(m[1]))
	if base == "" {
		return "", fmt.Errorf("descriptor src is empty")
	}
	return normalizeBase(base), nil
}

// Snapshot returns the current base and when it was last refreshed. A zero
// time means the seed value is still in use.
func (l *LandingBase) Snapshot() (string, time.Time) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current, l.fetchedAt
}

// Headers returns the default header set for landing-page fetches.
func (l *LandingBase) Headers(ctx context.Context, userAgent string) headerparams.Params {
	base := l.Base(ctx)
	return headerparams.Params{
		{Name: "User-Agent", Value: userAgent},
		{Name: "Referer", Value: base},
		{Name: "Origin", Value: strings.TrimSuffix(base, "/")},
	}
}

func normalizeBase(base string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return base
	}
	return strings.TrimSuffix(base, "/") + "/"
}
