// Package resolver turns indirect stream references into concrete media
// playlist URLs. It recognises bare channel ids and channel-page URLs,
// normalises them onto the current landing site, and when the page is not
// itself a playlist it follows the embedded iframe chain and solves the
// JavaScript authentication handshake the hosting pages require. The
// resolver never fails hard: any step that cannot complete falls back to
// the cleaned input URL so the caller can still attempt a direct fetch.
package resolver

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/hlsgate/hlsgate/internal/config"
	"github.com/hlsgate/hlsgate/internal/headerparams"
	"github.com/hlsgate/hlsgate/internal/metrics"
	"github.com/hlsgate/hlsgate/internal/observability"
	"github.com/hlsgate/hlsgate/internal/playlist"
	"github.com/hlsgate/hlsgate/internal/upstream"
)

// Channel-id shapes that map onto a canonical landing page.
var (
	premiumPattern   = regexp.MustCompile(`/premium(\d+)/mono\.m3u8$`)
	ohaPlayPattern   = regexp.MustCompile(`oha\.to/play/(\d+)/index\.m3u8`)
	channelIDPattern = regexp.MustCompile(`^\d+$`)
)

const maxPageBytes = 4 << 20

// ResolvedStream is a concrete playlist URL plus the headers required to
// fetch it.
type ResolvedStream struct {
	URL     string
	Headers headerparams.Params
}

// Resolver resolves landing URLs, channel pages, and channel ids to
// playable stream URLs.
type Resolver struct {
	client  *upstream.Client
	landing *LandingBase
	cfg     config.ResolverConfig
	log     *slog.Logger
}

// New creates a Resolver. The landing base is shared with the scheduler,
// which refreshes it in the background.
func New(client *upstream.Client, landing *LandingBase, cfg config.ResolverConfig, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		client:  client,
		landing: landing,
		cfg:     cfg,
		log:     observability.WithComponent(logger, "resolver"),
	}
}

// Resolve maps rawURL to a fetchable stream. Forwarded headers override
// the resolver defaults and travel with the result. Resolve does not
// return errors: when no better answer can be produced it answers with
// the cleaned input URL and the headers current at the failing step.
func (r *Resolver) Resolve(ctx context.Context, rawURL string, fwd headerparams.Params) ResolvedStream {
	cleaned := Clean(rawURL)
	headers := headerparams.Params{
		{Name: "User-Agent", Value: r.cfg.UserAgent},
	}.Merge(fwd)

	target := r.normalize(ctx, cleaned)
	if target != cleaned {
		r.log.Debug("normalised channel reference",
			slog.String("input", cleaned),
			slog.String("landing", target))
	}

	body, resp, err := r.client.FetchBuffered(ctx, target, headers, maxPageBytes)
	if err != nil {
		r.log.Debug("landing fetch failed",
			slog.String("url", target),
			slog.Any("error", err))
		metrics.IncResolution("fallback")
		return ResolvedStream{URL: target, Headers: headers}
	}

	// Direct fast path: the page already is the playlist.
	if playlist.IsPlaylist(body) {
		metrics.IncResolution("playlist")
		return ResolvedStream{URL: resp.FinalURL, Headers: headers}
	}

	resolved, ok := r.handshake(ctx, resp.FinalURL, body, headers)
	if !ok {
		metrics.IncResolution("fallback")
		return ResolvedStream{URL: target, Headers: headers}
	}
	r.log.Debug("resolved stream",
		slog.String("input", cleaned),
		slog.String("resolved", resolved.URL))
	metrics.IncResolution("handshake")
	return resolved
}

// Clean strips the wrapping stream URLs pick up inside JSON channel
// lists: surrounding whitespace and quotes, and backslash-escaped
// slashes.
func Clean(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, `"'`)
	s = strings.ReplaceAll(s, `\/`, `/`)
	return strings.TrimSpace(s)
}

// normalize rewrites channel-id shapes to the canonical landing page and
// leaves everything else untouched.
func (r *Resolver) normalize(ctx context.Context, cleaned string) string {
	id := channelID(cleaned)
	if id == "" {
		return cleaned
	}
	return r.landing.Base(ctx) + "watch/stream-" + id + ".php"
}

func channelID(cleaned string) string {
	if m := premiumPattern.FindStringSubmatch(cleaned); m != nil {
		return m[1]
	}
	if m := ohaPlayPattern.FindStringSubmatch(cleaned); m != nil {
		return m[1]
	}
	if channelIDPattern.MatchString(cleaned) {
		return cleaned
	}
	return ""
}
