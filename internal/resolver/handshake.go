package resolver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/hlsgate/hlsgate/internal/headerparams"
)

// Extraction patterns for the HTML and inline JavaScript of the hosting
// pages. Deliberately loose: page markup shifts often and a miss only
// means falling back to the direct fetch.
var (
	playerAnchorPattern   = regexp.MustCompile(`(?is)<a[^>]+href="([^"]+)"[^>]*>.{0,300}?Player\s*2`)
	iframeSrcPattern      = regexp.MustCompile(`(?i)<iframe[^>]+src="([^"]+)"`)
	channelKeyPattern     = regexp.MustCompile(`channelKey\s*=\s*"([^"]+)"`)
	authVarPattern        = regexp.MustCompile(`(?:var|let|const)\s+([a-e])\s*=\s*"([^"]+)"`)
	fetchWithRetryPattern = regexp.MustCompile(`fetchWithRetry\(\s*'([^']*)'`)
	m3u8AssignPattern     = regexp.MustCompile(`m3u8\s*=`)
	quotedLiteralPattern  = regexp.MustCompile(`"([^"]*)"`)
)

// authBundle holds the handshake values hidden in the iframe body: the
// channel key plus the decoded auth endpoint parts.
type authBundle struct {
	channelKey string
	host       string
	path       string
	ts         string
	rnd        string
	sig        string
}

// handshake follows the iframe chain of a channel page and solves its
// authentication exchange: player anchor, iframe, auth GET, server
// lookup, then the composed mono.m3u8 URL. Any miss reports false and
// the caller falls back.
func (r *Resolver) handshake(ctx context.Context, pageURL string, pageBody []byte, headers headerparams.Params) (ResolvedStream, bool) {
	landingBase := r.landing.Base(ctx)

	playerURL, err := playerLink(pageBody, landingBase)
	if err != nil {
		r.debugStep("player link", pageURL, err)
		return ResolvedStream{}, false
	}

	landingHeaders := headers.Merge(headerparams.Params{
		{Name: "Referer", Value: landingBase},
		{Name: "Origin", Value: strings.TrimSuffix(landingBase, "/")},
	})
	playerBody, _, err := r.client.FetchBuffered(ctx, playerURL, landingHeaders, maxPageBytes)
	if err != nil {
		r.debugStep("player page", playerURL, err)
		return ResolvedStream{}, false
	}

	iframeURL, err := firstIframe(playerBody, playerURL)
	if err != nil {
		r.debugStep("iframe", playerURL, err)
		return ResolvedStream{}, false
	}
	iframeOrigin := originOf(iframeURL)
	if iframeOrigin == "" {
		r.debugStep("iframe", iframeURL, fmt.Errorf("no origin"))
		return ResolvedStream{}, false
	}

	iframeHeaders := headers.Merge(headerparams.Params{
		{Name: "Referer", Value: iframeOrigin + "/"},
		{Name: "Origin", Value: iframeOrigin},
	})
	iframeBody, _, err := r.client.FetchBuffered(ctx, iframeURL, iframeHeaders, maxPageBytes)
	if err != nil {
		r.debugStep("iframe page", iframeURL, err)
		return ResolvedStream{}, false
	}
	page := string(iframeBody)

	auth, err := extractAuth(page)
	if err != nil {
		r.debugStep("auth extraction", iframeURL, err)
		return ResolvedStream{}, false
	}

	if err := r.authorize(ctx, auth, iframeHeaders); err != nil {
		r.debugStep("auth request", iframeURL, err)
		return ResolvedStream{}, false
	}

	serverKey, err := r.lookupServerKey(ctx, page, iframeOrigin, auth.channelKey, iframeHeaders)
	if err != nil {
		r.debugStep("server lookup", iframeURL, err)
		return ResolvedStream{}, false
	}

	hostFragment, err := hostFragment(page)
	if err != nil {
		r.debugStep("host fragment", iframeURL, err)
		return ResolvedStream{}, false
	}

	finalURL := "https://" + serverKey + hostFragment + serverKey + "/" + auth.channelKey + "/mono.m3u8"
	return ResolvedStream{URL: finalURL, Headers: iframeHeaders}, true
}

func (r *Resolver) debugStep(step, url string, err error) {
	r.log.Debug("handshake step failed, falling back",
		slog.String("step", step),
		slog.String("url", url),
		slog.Any("error", err))
}

// authorize performs the auth GET the iframe's player script issues
// before it will hand out a server. Only the signature needs escaping;
// ts and rnd are plain numbers.
func (r *Resolver) authorize(ctx context.Context, auth authBundle, headers headerparams.Params) error {
	authURL := auth.host + auth.path +
		"?channel_id=" + url.QueryEscape(auth.channelKey) +
		"&ts=" + auth.ts +
		"&rnd=" + auth.rnd +
		"&sig=" + url.QueryEscape(auth.sig)
	_, _, err := r.client.FetchBuffered(ctx, authURL, headers, maxPageBytes)
	return err
}

// lookupServerKey calls the server-lookup endpoint named in the iframe
// script and returns the server_key it assigns for the channel.
func (r *Resolver) lookupServerKey(ctx context.Context, page, iframeOrigin, channelKey string, headers headerparams.Params) (string, error) {
	m := fetchWithRetryPattern.FindStringSubmatch(page)
	if m == nil {
		return "", fmt.Errorf("no server lookup path")
	}
	lookupURL := iframeOrigin + m[1] + url.QueryEscape(channelKey)

	body, _, err := r.client.FetchBuffered(ctx, lookupURL, headers, maxPageBytes)
	if err != nil {
		return "", err
	}
	var payload struct {
		ServerKey string `json:"server_key"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("decoding server lookup: %w", err)
	}
	if payload.ServerKey == "" {
		return "", fmt.Errorf("server lookup returned no server_key")
	}
	return payload.ServerKey, nil
}

// playerLink finds the "Player 2" anchor and makes it absolute against
// the landing base.
func playerLink(body []byte, landingBase string) (string, error) {
	m := playerAnchorPattern.FindSubmatch(body)
	if m == nil {
		return "", fmt.Errorf("no player anchor")
	}
	href := strings.TrimSpace(string(m[1]))
	if href == "" {
		return "", fmt.Errorf("empty player href")
	}
	base, err := url.Parse(landingBase)
	if err != nil {
		return "", fmt.Errorf("unusable landing base %q", landingBase)
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("unusable player href %q", href)
	}
	return base.ResolveReference(ref).String(), nil
}

// firstIframe returns the first iframe src, absolute against the page it
// appeared on.
func firstIframe(body []byte, pageURL string) (string, error) {
	m := iframeSrcPattern.FindSubmatch(body)
	if m == nil {
		return "", fmt.Errorf("no iframe")
	}
	src := strings.TrimSpace(string(m[1]))
	if src == "" {
		return "", fmt.Errorf("empty iframe src")
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return src, nil
	}
	ref, err := url.Parse(src)
	if err != nil {
		return "", fmt.Errorf("unusable iframe src %q", src)
	}
	return base.ResolveReference(ref).String(), nil
}

// extractAuth pulls the channel key and the base64-bound identifiers
// a..e (auth host, path, ts, rnd, sig) out of the iframe script.
func extractAuth(page string) (authBundle, error) {
	var bundle authBundle

	m := channelKeyPattern.FindStringSubmatch(page)
	if m == nil {
		return bundle, fmt.Errorf("no channel key")
	}
	bundle.channelKey = m[1]

	vars := make(map[string]string, 5)
	for _, match := range authVarPattern.FindAllStringSubmatch(page, -1) {
		if _, seen := vars[match[1]]; !seen {
			vars[match[1]] = match[2]
		}
	}

	fields := []struct {
		name string
		dst  *string
	}{
		{"a", &bundle.host},
		{"b", &bundle.path},
		{"c", &bundle.ts},
		{"d", &bundle.rnd},
		{"e", &bundle.sig},
	}
	for _, f := range fields {
		encoded, ok := vars[f.name]
		if !ok {
			return bundle, fmt.Errorf("auth variable %s not found", f.name)
		}
		decoded, err := decodeBase64(encoded)
		if err != nil {
			return bundle, fmt.Errorf("auth variable %s does not decode: %w", f.name, err)
		}
		*f.dst = strings.TrimSpace(decoded)
	}
	return bundle, nil
}

// hostFragment returns the third quoted literal after the m3u8
// assignment, the host part the player script splices between the two
// server-key copies.
func hostFragment(page string) (string, error) {
	loc := m3u8AssignPattern.FindStringIndex(page)
	if loc == nil {
		return "", fmt.Errorf("no m3u8 assignment")
	}
	quoted := quotedLiteralPattern.FindAllStringSubmatch(page[loc[1]:], 3)
	if len(quoted) < 3 {
		return "", fmt.Errorf("m3u8 assignment has fewer than three quoted literals")
	}
	return quoted[2][1], nil
}

func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// decodeBase64 accepts padded and unpadded values.
func decodeBase64(s string) (string, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return string(b), nil
	}
	b, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
