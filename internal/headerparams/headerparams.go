// Package headerparams implements the h_* query-parameter convention that
// carries upstream HTTP headers through proxied playlist URLs.
//
// A header {Name: Value} travels as h_<name>=<value> where both sides are
// percent-encoded once for URLs consumed directly by players, and twice (with
// a literal %26 separator) for URLs that pass through one further round of
// query decoding on the ingest path. Dashes in header names may be
// transmitted as underscores; decoding folds them back.
package headerparams

import (
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// Param is a single forwarded header.
type Param struct {
	Name  string
	Value string
}

// Params is an ordered set of forwarded headers. Order is derivation order
// (inbound query order, directive order); it is preserved on emission so a
// playlist rewrite is byte-deterministic.
type Params []Param

// Decode extracts forwarded headers from a raw (still percent-encoded) query
// string. Parameters whose name starts with h_ (case-insensitive) are
// decoded: prefix stripped, one round of percent-decoding, underscores in the
// name folded to dashes, value whitespace trimmed. Everything else is
// ignored.
func Decode(rawQuery string) Params {
	var params Params
	for pair := range strings.SplitSeq(rawQuery, "&") {
		if pair == "" {
			continue
		}
		name, value, _ := strings.Cut(pair, "=")
		if len(name) < 2 || !strings.EqualFold(name[:2], "h_") {
			continue
		}
		params = append(params, Param{
			Name:  strings.ReplaceAll(unescapeLoose(name[2:]), "_", "-"),
			Value: strings.TrimSpace(unescapeLoose(value)),
		})
	}
	return params
}

// DecodeRequest is a convenience wrapper over Decode for an inbound request.
func DecodeRequest(r *http.Request) Params {
	return Decode(r.URL.RawQuery)
}

// Encode renders the single-encoded form used by media-playlist rewrites:
// h_<esc(name)>=<esc(value)> pairs joined with "&". Returns "" when empty.
func (p Params) Encode() string {
	if len(p) == 0 {
		return ""
	}
	var b strings.Builder
	for i, param := range p {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString("h_")
		b.WriteString(url.QueryEscape(param.Name))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(param.Value))
	}
	return b.String()
}

// EncodeDouble renders the double-encoded form used by the ingest rewrite:
// each name and value is percent-encoded twice and pairs are joined with the
// literal "%26", so the whole tail survives the one extra decode round it
// takes when the emitted URL's query is parsed. Returns "" when empty.
func (p Params) EncodeDouble() string {
	if len(p) == 0 {
		return ""
	}
	var b strings.Builder
	for i, param := range p {
		if i > 0 {
			b.WriteString("%26")
		}
		b.WriteString("h_")
		b.WriteString(url.QueryEscape(url.QueryEscape(param.Name)))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(url.QueryEscape(param.Value)))
	}
	return b.String()
}

// ExtractEmbedded splits a URL that carries an ingest-generated header tail.
// After query parsing decoded the emitted URL once, the url argument arrives
// as <clean>&h_<k>=<v>[&h_...] with one encode layer left on the pairs; the
// tail is cut at the first &h_ boundary and each pair decoded once more.
// URLs without a tail come back unchanged with nil params.
func ExtractEmbedded(rawURL string) (string, Params) {
	idx := indexEmbedded(rawURL)
	if idx < 0 {
		return rawURL, nil
	}
	clean := rawURL[:idx]
	var params Params
	for pair := range strings.SplitSeq(rawURL[idx+1:], "&") {
		name, value, _ := strings.Cut(pair, "=")
		if len(name) < 2 || !strings.EqualFold(name[:2], "h_") {
			continue
		}
		params = append(params, Param{
			Name:  strings.ReplaceAll(unescapeLoose(name[2:]), "_", "-"),
			Value: strings.TrimSpace(unescapeLoose(value)),
		})
	}
	return clean, params
}

// indexEmbedded finds the first "&h_" boundary, case-insensitive on the h.
func indexEmbedded(s string) int {
	lower := strings.ToLower(s)
	return strings.Index(lower, "&h_")
}

// Merge returns a copy with over layered on top: values replace existing
// entries on a case-insensitive name match (keeping the first-seen position),
// new names append in order.
func (p Params) Merge(over Params) Params {
	merged := make(Params, len(p), len(p)+len(over))
	copy(merged, p)
	for _, o := range over {
		replaced := false
		for i := range merged {
			if strings.EqualFold(merged[i].Name, o.Name) {
				merged[i].Value = o.Value
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, o)
		}
	}
	return merged
}

// Get returns the value for a name (case-insensitive), or "".
func (p Params) Get(name string) string {
	for _, param := range p {
		if strings.EqualFold(param.Name, name) {
			return param.Value
		}
	}
	return ""
}

// Has reports whether a name is present (case-insensitive).
func (p Params) Has(name string) bool {
	for _, param := range p {
		if strings.EqualFold(param.Name, name) {
			return true
		}
	}
	return false
}

// ApplyTo sets every param on an http.Header.
func (p Params) ApplyTo(h http.Header) {
	for _, param := range p {
		h.Set(param.Name, param.Value)
	}
}

// Fingerprint returns a canonical order-insensitive form of the set, used as
// the forwarded-header component of playlist cache keys.
func (p Params) Fingerprint() string {
	if len(p) == 0 {
		return ""
	}
	lines := make([]string, len(p))
	for i, param := range p {
		lines[i] = strings.ToLower(param.Name) + "=" + param.Value
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}

// unescapeLoose percent-decodes s once, passing malformed escapes through
// unchanged rather than failing the whole parameter.
func unescapeLoose(s string) string {
	if decoded, err := url.QueryUnescape(s); err == nil {
		return decoded
	}
	return s
}
