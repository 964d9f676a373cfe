// Package playlist rewrites HLS playlists so that every segment, key, and
// nested playlist URL points back at this proxy. It distinguishes media
// playlists (rewritten line by line) from plain channel lists (passed
// through), applies per-entry header directives on ingest, and transparently
// decompresses gzip, bzip2, and xz list bodies.
package playlist

import (
	"bytes"
	"net/url"
	"strings"
	"unicode"
)

// MIME types served for playlist bodies.
const (
	// ContentTypeMedia is the type of a rewritten media playlist.
	ContentTypeMedia = "application/vnd.apple.mpegurl; charset=utf-8"

	// ContentTypePlain is the type of a plain channel list passed through
	// without rewriting.
	ContentTypePlain = "audio/x-mpegurl"
)

var utf8BOM = []byte("\xef\xbb\xbf")

// Kind classifies a playlist body.
type Kind int

const (
	// KindPlain is a channel list or master list without segment entries.
	KindPlain Kind = iota

	// KindMedia is a media playlist that lists segments via #EXTINF.
	KindMedia
)

// String returns a human-readable kind name.
func (k Kind) String() string {
	switch k {
	case KindMedia:
		return "media"
	default:
		return "plain"
	}
}

// Detect classifies a playlist body. A body carrying both the #EXTM3U header
// and at least one #EXTINF entry is a media playlist; anything else is a
// plain list.
func Detect(body []byte) Kind {
	if bytes.Contains(body, []byte("#EXTM3U")) && bytes.Contains(body, []byte("#EXTINF")) {
		return KindMedia
	}
	return KindPlain
}

// IsPlaylist reports whether the body begins with the #EXTM3U header tag,
// ignoring a UTF-8 BOM and leading whitespace.
func IsPlaylist(body []byte) bool {
	trimmed := bytes.TrimPrefix(body, utf8BOM)
	trimmed = bytes.TrimLeftFunc(trimmed, unicode.IsSpace)
	return bytes.HasPrefix(trimmed, []byte("#EXTM3U"))
}

// BaseURL returns the directory of a playlist URL, the base that relative
// segment and key references resolve against. The input must be the final
// URL after redirects; "https://h/live/v2/chan.m3u8" yields
// "https://h/live/v2/".
func BaseURL(finalURL string) string {
	u, err := url.Parse(finalURL)
	if err != nil {
		return finalURL
	}
	dir := u.Path
	if i := strings.LastIndex(dir, "/"); i >= 0 {
		dir = dir[:i]
	}
	return u.Scheme + "://" + u.Host + dir + "/"
}
