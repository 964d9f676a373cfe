package upstream

import (
	"math/rand/v2"
	"net/url"
	"strings"

	"github.com/hlsgate/hlsgate/internal/config"
	"github.com/hlsgate/hlsgate/internal/headerparams"
)

// proxyClass selects which configured proxy list a rule draws from.
type proxyClass int

const (
	proxyDirect  proxyClass = iota // never proxied
	proxyGeneral                   // general list, then socks5, then scheme-matched
	proxySocks5                    // socks5 list, then general
)

// rule is one row of the policy table, matched by hostname substring.
type rule struct {
	name      string
	match     []string
	class     proxyClass
	verify    *bool  // nil inherits the global flag
	referer   string // empty derives from the target
	origin    string
	userAgent string // empty inherits the global agent
}

// vavooUserAgent is the mobile Safari identity the vavoo.to edge expects;
// desktop agents get served interstitial pages instead of playlists.
const vavooUserAgent = "Mozilla/5.0 (iPhone; CPU iPhone OS 14_5 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) FxiOS/33.0 Mobile/15E148 Safari/605.1.15"

// Decision is the outbound policy for one fetch: which proxy to dial
// through, whether to verify TLS, and the default headers for the target.
type Decision struct {
	Rule      string
	ProxyURL  string
	VerifyTLS bool
	Headers   headerparams.Params
}

// Policy decides proxy routing, TLS verification and default headers per
// destination host. The table is immutable after construction.
type Policy struct {
	rules          []rule
	general        []string
	socks5         []string
	httpProxies    []string
	httpsProxies   []string
	verify         bool
	allowedDomains []string
	userAgent      string
}

var noVerify = false

// NewPolicy builds the policy table. userAgent is the default User-Agent for
// every destination; landingOrigin is the portal origin the resolver CDN
// family requires as Referer/Origin.
func NewPolicy(cfg config.UpstreamConfig, userAgent, landingOrigin string) *Policy {
	landingOrigin = strings.TrimSuffix(landingOrigin, "/")
	return &Policy{
		rules: []rule{
			// The resolver reads its base descriptor from GitHub; that fetch
			// must bypass any outbound proxy.
			{name: "github", match: []string{"github.com", "githubusercontent.com"}, class: proxyDirect},
			// The resolver CDN family fronts odd certificate chains and
			// insists on the portal's Referer/Origin.
			{name: "newkso", match: []string{"newkso.ru"}, class: proxySocks5, verify: &noVerify,
				referer: landingOrigin + "/", origin: landingOrigin},
			{name: "vavoo", match: []string{"vavoo.to"}, class: proxyGeneral,
				referer: "https://vavoo.to/", origin: "https://vavoo.to",
				userAgent: vavooUserAgent},
			{name: "oha", match: []string{"oha.to"}, class: proxySocks5},
		},
		general:        cfg.GeneralProxy,
		socks5:         cfg.Socks5Proxy,
		httpProxies:    cfg.HTTPProxy,
		httpsProxies:   cfg.HTTPSProxy,
		verify:         cfg.VerifySSL,
		allowedDomains: cfg.AllowedDomains,
		userAgent:      userAgent,
	}
}

// Decide returns the outbound decision for a target URL. Proxy selection
// from a multi-entry list is uniformly random per call.
func (p *Policy) Decide(target *url.URL) Decision {
	host := strings.ToLower(target.Hostname())

	matched := rule{name: "default", class: proxyGeneral}
	for _, r := range p.rules {
		if hostMatches(host, r.match) {
			matched = r
			break
		}
	}

	d := Decision{
		Rule:      matched.name,
		ProxyURL:  pickProxy(p.candidates(matched, target.Scheme)),
		VerifyTLS: p.verify,
	}
	if matched.verify != nil {
		d.VerifyTLS = *matched.verify
	}

	referer := matched.referer
	origin := matched.origin
	if referer == "" {
		origin = target.Scheme + "://" + target.Host
		referer = origin + "/"
	}
	agent := matched.userAgent
	if agent == "" {
		agent = p.userAgent
	}
	d.Headers = headerparams.Params{
		{Name: "User-Agent", Value: agent},
		{Name: "Referer", Value: referer},
		{Name: "Origin", Value: origin},
	}
	return d
}

// candidates resolves a rule's proxy class to the first non-empty list.
func (p *Policy) candidates(r rule, scheme string) []string {
	schemeList := p.httpProxies
	if scheme == "https" {
		schemeList = p.httpsProxies
	}

	switch r.class {
	case proxyDirect:
		return nil
	case proxySocks5:
		if len(p.socks5) > 0 {
			return p.socks5
		}
		return p.general
	default:
		if len(p.general) > 0 {
			return p.general
		}
		if len(p.socks5) > 0 {
			return p.socks5
		}
		return schemeList
	}
}

// Check returns ErrDomainNotAllowed when the target host fails the
// allowed-domains restriction.
func (p *Policy) Check(target *url.URL) error {
	if p.Allowed(target) {
		return nil
	}
	return ErrDomainNotAllowed
}

// Allowed reports whether a host passes the allowed-domains restriction.
// An empty list allows everything.
func (p *Policy) Allowed(target *url.URL) bool {
	if len(p.allowedDomains) == 0 {
		return true
	}
	host := strings.ToLower(target.Hostname())
	for _, domain := range p.allowedDomains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain != "" && strings.Contains(host, domain) {
			return true
		}
	}
	return false
}

func hostMatches(host string, substrings []string) bool {
	for _, s := range substrings {
		if strings.Contains(host, s) {
			return true
		}
	}
	return false
}

func pickProxy(list []string) string {
	switch len(list) {
	case 0:
		return ""
	case 1:
		return strings.TrimSpace(list[0])
	default:
		return strings.TrimSpace(list[rand.IntN(len(list))])
	}
}
