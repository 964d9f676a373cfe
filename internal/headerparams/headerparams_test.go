package headerparams

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		rawQuery string
		want     Params
	}{
		{
			name:     "underscore folded to dash",
			rawQuery: "h_Referer=https%3A%2F%2Fa.example%2F&h_User_Agent=X",
			want: Params{
				{Name: "Referer", Value: "https://a.example/"},
				{Name: "User-Agent", Value: "X"},
			},
		},
		{
			name:     "dash form accepted",
			rawQuery: "h_User-Agent=VLC%2F3.0",
			want:     Params{{Name: "User-Agent", Value: "VLC/3.0"}},
		},
		{
			name:     "prefix case insensitive",
			rawQuery: "H_X-Token=abc",
			want:     Params{{Name: "X-Token", Value: "abc"}},
		},
		{
			name:     "non header params ignored",
			rawQuery: "url=https%3A%2F%2Fx%2Fa.m3u8&api_password=pw&h_Origin=https%3A%2F%2Fo.example",
			want:     Params{{Name: "Origin", Value: "https://o.example"}},
		},
		{
			name:     "value whitespace trimmed",
			rawQuery: "h_Referer=%20https%3A%2F%2Fa.example%2F%20",
			want:     Params{{Name: "Referer", Value: "https://a.example/"}},
		},
		{
			name:     "malformed escape passed through",
			rawQuery: "h_X-Raw=%zz",
			want:     Params{{Name: "X-Raw", Value: "%zz"}},
		},
		{
			name:     "empty query",
			rawQuery: "",
			want:     nil,
		},
		{
			name:     "plus decodes to space",
			rawQuery: "h_User-Agent=Mozilla%2F5.0+AppleTV",
			want:     Params{{Name: "User-Agent", Value: "Mozilla/5.0 AppleTV"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decode(tt.rawQuery))
		})
	}
}

func TestDecode_PreservesQueryOrder(t *testing.T) {
	got := Decode("h_B=2&h_A=1&h_C=3")
	require.Len(t, got, 3)
	assert.Equal(t, "B", got[0].Name)
	assert.Equal(t, "A", got[1].Name)
	assert.Equal(t, "C", got[2].Name)
}

func TestEncode(t *testing.T) {
	p := Params{
		{Name: "Referer", Value: "https://a.example/"},
		{Name: "User-Agent", Value: "X"},
	}
	assert.Equal(t, "h_Referer=https%3A%2F%2Fa.example%2F&h_User-Agent=X", p.Encode())
	assert.Empty(t, Params(nil).Encode())
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		p    Params
	}{
		{
			name: "typical stream headers",
			p: Params{
				{Name: "User-Agent", Value: "Mozilla/5.0 (X11; Linux x86_64) Chrome/133.0.0.0"},
				{Name: "Referer", Value: "https://player.example/embed?id=42"},
				{Name: "Origin", Value: "https://player.example"},
			},
		},
		{
			name: "value with percent and plus literals",
			p:    Params{{Name: "X-Sig", Value: "a%20b+c=d&e"}},
		},
		{
			name: "utf8 value",
			p:    Params{{Name: "X-Title", Value: "sportkanál ⚽"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.p, Decode(tt.p.Encode()))
		})
	}
}

// An ingest-rewritten URL embeds its header tail double-encoded so that the
// pairs survive the single decode applied when the URL's query is parsed.
func TestEncodeDouble_SurvivesQueryParse(t *testing.T) {
	entry := "https://orig.example/get.php?user=u&pass=p&type=m3u8"
	p := Params{
		{Name: "User-Agent", Value: "Mozilla/5.0 (X11; Linux x86_64) Chrome/133.0.0.0"},
		{Name: "Referer", Value: "https://portal.example/"},
	}

	rawQuery := "host=dlhd&redirect_stream=true&url=" + url.QueryEscape(entry) + "%26" + p.EncodeDouble()

	vals, err := url.ParseQuery(rawQuery)
	require.NoError(t, err)

	clean, got := ExtractEmbedded(vals.Get("url"))
	assert.Equal(t, entry, clean)
	assert.Equal(t, p, got)
	assert.Equal(t, "dlhd", vals.Get("host"))
}

func TestEncodeDouble_JoinsWithLiteralAmpersandEscape(t *testing.T) {
	p := Params{
		{Name: "A", Value: "1"},
		{Name: "B", Value: "2"},
	}
	assert.Equal(t, "h_A=1%26h_B=2", p.EncodeDouble())
	assert.Empty(t, Params(nil).EncodeDouble())
}

func TestExtractEmbedded(t *testing.T) {
	tests := []struct {
		name       string
		rawURL     string
		wantClean  string
		wantParams Params
	}{
		{
			name:       "no tail",
			rawURL:     "https://orig.example/chan.m3u8?token=t",
			wantClean:  "https://orig.example/chan.m3u8?token=t",
			wantParams: nil,
		},
		{
			name:      "single pair after path",
			rawURL:    "https://orig.example/chan.m3u8&h_User-Agent=VLC%2F3.0",
			wantClean: "https://orig.example/chan.m3u8",
			wantParams: Params{
				{Name: "User-Agent", Value: "VLC/3.0"},
			},
		},
		{
			name:      "tail after real query",
			rawURL:    "https://orig.example/get.php?user=u&pass=p&h_Referer=https%3A%2F%2Fr.example%2F&h_Origin=https%3A%2F%2Fr.example",
			wantClean: "https://orig.example/get.php?user=u&pass=p",
			wantParams: Params{
				{Name: "Referer", Value: "https://r.example/"},
				{Name: "Origin", Value: "https://r.example"},
			},
		},
		{
			name:      "uppercase prefix boundary",
			rawURL:    "https://orig.example/a.m3u8&H_X-Token=abc",
			wantClean: "https://orig.example/a.m3u8",
			wantParams: Params{
				{Name: "X-Token", Value: "abc"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clean, params := ExtractEmbedded(tt.rawURL)
			assert.Equal(t, tt.wantClean, clean)
			assert.Equal(t, tt.wantParams, params)
		})
	}
}

func TestMerge(t *testing.T) {
	base := Params{
		{Name: "User-Agent", Value: "default"},
		{Name: "Accept", Value: "*/*"},
	}
	over := Params{
		{Name: "user-agent", Value: "forwarded"},
		{Name: "Referer", Value: "https://r.example/"},
	}

	merged := base.Merge(over)
	require.Len(t, merged, 3)
	assert.Equal(t, Param{Name: "User-Agent", Value: "forwarded"}, merged[0])
	assert.Equal(t, Param{Name: "Accept", Value: "*/*"}, merged[1])
	assert.Equal(t, Param{Name: "Referer", Value: "https://r.example/"}, merged[2])

	// Receiver stays untouched.
	assert.Equal(t, "default", base.Get("User-Agent"))
}

func TestGetHas(t *testing.T) {
	p := Params{{Name: "User-Agent", Value: "VLC"}}
	assert.Equal(t, "VLC", p.Get("user-agent"))
	assert.True(t, p.Has("USER-AGENT"))
	assert.False(t, p.Has("Referer"))
	assert.Empty(t, p.Get("Referer"))
}

func TestApplyTo(t *testing.T) {
	h := make(http.Header)
	Params{
		{Name: "user-agent", Value: "VLC"},
		{Name: "X-Token", Value: "abc"},
	}.ApplyTo(h)

	assert.Equal(t, "VLC", h.Get("User-Agent"))
	assert.Equal(t, "abc", h.Get("X-Token"))
}

func TestFingerprint(t *testing.T) {
	a := Params{{Name: "B", Value: "2"}, {Name: "A", Value: "1"}}
	b := Params{{Name: "a", Value: "1"}, {Name: "b", Value: "2"}}
	c := Params{{Name: "a", Value: "1"}, {Name: "b", Value: "changed"}}

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
	assert.Empty(t, Params(nil).Fingerprint())
}
