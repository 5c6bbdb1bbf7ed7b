package classifier

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"time"
)

// DefaultBotTokens are user-agent substrings of well-known automated clients.
var DefaultBotTokens = []string{
	"bot", "crawler", "spider", "crawl", "slurp",
	"facebookexternalhit", "facebookcatalog",
	"curl/", "wget/", "httpie/", "python-requests", "python-urllib", "aiohttp",
	"go-http-client", "okhttp", "java/", "libwww-perl", "scrapy", "httpclient",
	"headlesschrome", "phantomjs", "puppeteer", "playwright", "selenium",
	"lighthouse", "pingdom", "uptimerobot",
}

// DefaultBrowserSignatures are substrings found in real browser user agents,
// including in-app browsers that omit the Safari token.
var DefaultBrowserSignatures = []string{
	"chrome/", "crios/", "firefox/", "fxios/", "safari/", "edg/", "opr/",
	"samsungbrowser/", "applewebkit/", "gecko/", "trident/", "fban/", "fbav/",
}

// PrefixSet is an immutable set of IP prefixes.
// Prefixes are grouped by length so a lookup costs one map probe per
// distinct length.
type PrefixSet struct {
	byBits map[int]map[netip.Prefix]struct{}
	bits   []int
	size   int
}

// NewPrefixSet parses CIDR strings. Bare addresses are treated as
// single-host prefixes. Invalid entries are returned in skipped.
func NewPrefixSet(cidrs []string) (set *PrefixSet, skipped []string) {
	set = &PrefixSet{byBits: make(map[int]map[netip.Prefix]struct{})}
	for _, raw := range cidrs {
		entry := strings.TrimSpace(raw)
		if entry == "" || strings.HasPrefix(entry, "#") {
			continue
		}
		prefix, err := parsePrefix(entry)
		if err != nil {
			skipped = append(skipped, entry)
			continue
		}
		group, ok := set.byBits[prefix.Bits()]
		if !ok {
			group = make(map[netip.Prefix]struct{})
			set.byBits[prefix.Bits()] = group
			set.bits = append(set.bits, prefix.Bits())
		}
		if _, dup := group[prefix]; !dup {
			group[prefix] = struct{}{}
			set.size++
		}
	}
	sort.Ints(set.bits)
	return set, skipped
}

func parsePrefix(entry string) (netip.Prefix, error) {
	if strings.Contains(entry, "/") {
		p, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, err
		}
		if p.Addr().Is4In6() {
			if p.Bits() < 96 {
				return netip.Prefix{}, fmt.Errorf("ipv4-mapped prefix %q shorter than /96", entry)
			}
			p = netip.PrefixFrom(p.Addr().Unmap(), p.Bits()-96)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Contains reports whether addr falls inside any prefix of the set.
func (s *PrefixSet) Contains(addr netip.Addr) bool {
	if s == nil || !addr.IsValid() {
		return false
	}
	addr = addr.Unmap().WithZone("")
	for _, bits := range s.bits {
		if bits > addr.BitLen() {
			continue
		}
		p, err := addr.Prefix(bits)
		if err != nil {
			continue
		}
		if _, ok := s.byBits[bits][p]; ok {
			return true
		}
	}
	return false
}

// Len returns the number of prefixes.
func (s *PrefixSet) Len() int {
	if s == nil {
		return 0
	}
	return s.size
}

// Tables is one immutable generation of classifier reference data.
type Tables struct {
	// Hosting is nil when no hosting/VPN table has been loaded.
	Hosting           *PrefixSet
	BotTokens         []string
	BrowserSignatures []string

	Source   string
	LoadedAt time.Time
}

// RawTables is the serialized form of the reference data.
type RawTables struct {
	HostingRanges     []string `json:"hosting_ranges"`
	BotTokens         []string `json:"bot_tokens"`
	BrowserSignatures []string `json:"browser_signatures"`
}

// Build compiles raw reference data. A nil HostingRanges slice leaves the
// hosting table unavailable; empty token lists fall back to the defaults.
func (raw RawTables) Build(source string, now time.Time) (*Tables, error) {
	t := &Tables{
		BotTokens:         normalizeTokens(raw.BotTokens, DefaultBotTokens),
		BrowserSignatures: normalizeTokens(raw.BrowserSignatures, DefaultBrowserSignatures),
		Source:            source,
		LoadedAt:          now,
	}
	if raw.HostingRanges != nil {
		set, skipped := NewPrefixSet(raw.HostingRanges)
		if set.Len() == 0 && len(skipped) > 0 {
			return nil, fmt.Errorf("hosting table from %s has no valid ranges (%d invalid)", source, len(skipped))
		}
		t.Hosting = set
	}
	return t, nil
}

// DefaultTables returns the built-in tables: bot tokens and browser
// signatures, no hosting table.
func DefaultTables() *Tables {
	t, _ := RawTables{}.Build("builtin", time.Now())
	return t
}

func normalizeTokens(tokens, fallback []string) []string {
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		tok = strings.ToLower(strings.TrimSpace(tok))
		if tok != "" {
			out = append(out, tok)
		}
	}
	if len(out) == 0 {
		return append([]string(nil), fallback...)
	}
	return out
}
