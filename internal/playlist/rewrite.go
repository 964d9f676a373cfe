package playlist

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/hlsgate/hlsgate/internal/headerparams"
)

// Matches the URI attribute of an #EXT-X-KEY line.
var keyURIPattern = regexp.MustCompile(`URI="([^"]+)"`)

// MediaOptions controls a media-playlist rewrite.
type MediaOptions struct {
	// ServerBase prefixes every emitted proxy URL, without a trailing
	// slash. Empty emits server-relative URLs.
	ServerBase string

	// PlaylistURL is the final URL of the playlist after redirects.
	// Relative segment and key references resolve against its directory.
	PlaylistURL string

	// Params are the forwarded header parameters carried onto every
	// rewritten URL, single-encoded.
	Params headerparams.Params
}

// RewriteMedia rewrites a media playlist so segments route through
// /proxy/ts and AES key URIs through /proxy/key. Lines are trimmed and
// classified: #EXT-X-KEY lines have only their URI attribute replaced,
// non-comment lines are treated as segment references, and every other
// line is emitted unchanged. It also returns the absolute segment URLs
// in source order, for prefetching.
func RewriteMedia(src []byte, opt MediaOptions) ([]byte, []string) {
	serverBase := strings.TrimSuffix(opt.ServerBase, "/")
	base, err := url.Parse(BaseURL(opt.PlaylistURL))
	if err != nil {
		base = nil
	}

	var encoded string
	if len(opt.Params) > 0 {
		encoded = opt.Params.Encode()
	}

	var out strings.Builder
	out.Grow(len(src) + len(src)/2)
	var segments []string

	first := true
	for line := range strings.SplitSeq(string(src), "\n") {
		line = strings.TrimSpace(line)
		if !first {
			out.WriteByte('\n')
		}
		first = false

		switch {
		case strings.HasPrefix(line, "#EXT-X-KEY") && strings.Contains(line, `URI="`):
			out.WriteString(rewriteKeyLine(line, base, serverBase, encoded))
		case line != "" && !strings.HasPrefix(line, "#"):
			abs := resolveRef(base, line)
			segments = append(segments, abs)
			out.WriteString(serverBase)
			out.WriteString("/proxy/ts?url=")
			out.WriteString(url.QueryEscape(abs))
			if encoded != "" {
				out.WriteByte('&')
				out.WriteString(encoded)
			}
		default:
			out.WriteString(line)
		}
	}
	return []byte(out.String()), segments
}

// rewriteKeyLine replaces the URI attribute value of an #EXT-X-KEY line
// with a /proxy/key URL. The rest of the line (METHOD, IV, KEYFORMAT)
// stays byte-identical.
func rewriteKeyLine(line string, base *url.URL, serverBase, encoded string) string {
	m := keyURIPattern.FindStringSubmatch(line)
	if m == nil {
		return line
	}
	keyURL := m[1]

	var b strings.Builder
	b.WriteString(serverBase)
	b.WriteString("/proxy/key?url=")
	b.WriteString(url.QueryEscape(resolveRef(base, keyURL)))
	if encoded != "" {
		b.WriteByte('&')
		b.WriteString(encoded)
	}
	return strings.Replace(line, keyURL, b.String(), 1)
}

// resolveRef makes ref absolute against base. Unparseable refs and a nil
// base pass through untouched.
func resolveRef(base *url.URL, ref string) string {
	if base == nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(r).String()
}
