package playlist

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/hlsgate/hlsgate/internal/headerparams"
)

// IngestOptions controls a channel-list ingest rewrite.
type IngestOptions struct {
	// ServerBase prefixes every emitted proxy URL, without a trailing
	// slash. Empty emits server-relative URLs.
	ServerBase string

	// BypassHosts are emitted unchanged; matching is case-insensitive
	// containment against the entry's hostname.
	BypassHosts []string
}

// RewriteIngest rewrites a published channel list so every entry routes
// through /proxy/m3u. #EXTHTTP and #EXTVLCOPT directive lines accumulate
// header parameters that attach to the next entry line only; the directive
// lines themselves are emitted unchanged. Attached parameters are
// double-encoded and joined with a literal %26 so they survive the second
// URL decode when the emitted /proxy/m3u URL is requested.
func RewriteIngest(src []byte, opt IngestOptions) []byte {
	serverBase := strings.TrimSuffix(opt.ServerBase, "/")

	var out strings.Builder
	out.Grow(len(src) + len(src)/2)

	var pending headerparams.Params
	first := true
	for line := range strings.SplitSeq(string(src), "\n") {
		line = strings.TrimSpace(line)
		if !first {
			out.WriteByte('\n')
		}
		first = false

		switch {
		case strings.HasPrefix(line, "#EXTHTTP:"):
			pending = pending.Merge(parseExtHTTP(strings.TrimPrefix(line, "#EXTHTTP:")))
			out.WriteString(line)
		case strings.HasPrefix(line, "#EXTVLCOPT:"):
			pending = parseExtVLCOpt(strings.TrimPrefix(line, "#EXTVLCOPT:"), pending)
			out.WriteString(line)
		case line != "" && !strings.HasPrefix(line, "#"):
			if hostBypassed(line, opt.BypassHosts) {
				out.WriteString(line)
			} else {
				out.WriteString(serverBase)
				out.WriteString("/proxy/m3u?url=")
				out.WriteString(url.QueryEscape(line))
				if len(pending) > 0 {
					out.WriteString("%26")
					out.WriteString(pending.EncodeDouble())
				}
			}
			pending = nil
		default:
			out.WriteString(line)
		}
	}
	return []byte(out.String())
}

// parseExtHTTP reads an #EXTHTTP payload, a JSON object mapping header
// names to string values, preserving the order keys appear in. Non-string
// values are skipped; a malformed payload yields what was parsed up to
// the error.
func parseExtHTTP(payload string) headerparams.Params {
	dec := json.NewDecoder(strings.NewReader(strings.TrimSpace(payload)))
	tok, err := dec.Token()
	if err != nil {
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil
	}

	var params headerparams.Params
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return params
		}
		key, ok := keyTok.(string)
		if !ok {
			return params
		}
		valTok, err := dec.Token()
		if err != nil {
			return params
		}
		switch v := valTok.(type) {
		case string:
			params = append(params, headerparams.Param{Name: key, Value: v})
		case json.Delim:
			if v == '{' || v == '[' {
				if !skipValue(dec) {
					return params
				}
			}
		}
	}
	return params
}

// skipValue consumes the remainder of a compound JSON value whose opening
// delimiter was already read.
func skipValue(dec *json.Decoder) bool {
	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return false
		}
		if d, ok := tok.(json.Delim); ok {
			switch d {
			case '{', '[':
				depth++
			case '}', ']':
				depth--
			}
		}
	}
	return true
}

// parseExtVLCOpt folds the recognised http-* options of an #EXTVLCOPT
// payload into params. http-header carries a full "Name: Value" pair;
// the other options map to fixed header names.
func parseExtVLCOpt(payload string, params headerparams.Params) headerparams.Params {
	for _, piece := range splitVLCOpts(payload) {
		key, value, ok := strings.Cut(piece, "=")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		var name string
		switch key {
		case "http-user-agent":
			name = "User-Agent"
		case "http-referer", "http-referrer":
			name = "Referer"
		case "http-cookie":
			name = "Cookie"
		case "http-header":
			n, v, ok := strings.Cut(value, ":")
			if !ok {
				continue
			}
			name, value = strings.TrimSpace(n), strings.TrimSpace(v)
		default:
			continue
		}
		if name == "" {
			continue
		}
		params = params.Merge(headerparams.Params{{Name: name, Value: value}})
	}
	return params
}

// splitVLCOpts splits a directive payload on commas between options while
// keeping commas that sit inside an option value, as in a User-Agent
// string. A piece that does not open a new http-* option belongs to the
// value before it.
func splitVLCOpts(payload string) []string {
	var opts []string
	for piece := range strings.SplitSeq(payload, ",") {
		if len(opts) > 0 && !strings.HasPrefix(strings.ToLower(strings.TrimSpace(piece)), "http-") {
			opts[len(opts)-1] += "," + piece
			continue
		}
		opts = append(opts, piece)
	}
	return opts
}

// hostBypassed reports whether the entry's hostname matches the bypass
// list.
func hostBypassed(rawURL string, hosts []string) bool {
	if len(hosts) == 0 {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			continue
		}
		if strings.Contains(host, h) {
			return true
		}
	}
	return false
}
