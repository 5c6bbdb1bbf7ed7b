// Package classifier implements the bot and VPN/hosting heuristics.
//
// Verdicts are pure functions of the visitor signal and the current
// reference tables. Tables are swapped atomically by a background
// refresher, so lookups never lock.
package classifier

import (
	"log/slog"
	"net/netip"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/time/rate"

	"github.com/penshort/cloak/internal/metrics"
	"github.com/penshort/cloak/internal/model"
)

// degradedLogInterval bounds how often the fail-open warning is logged.
const degradedLogInterval = time.Minute

// Classifier answers bot and VPN/hosting questions about a visitor.
type Classifier struct {
	tables   atomic.Pointer[Tables]
	logger   *slog.Logger
	metrics  metrics.Recorder
	degraded rate.Sometimes
}

// New creates a Classifier loaded with DefaultTables.
func New(logger *slog.Logger, recorder metrics.Recorder) *Classifier {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	c := &Classifier{
		logger:   logger.With("component", "classifier"),
		metrics:  recorder,
		degraded: rate.Sometimes{Interval: degradedLogInterval},
	}
	c.tables.Store(DefaultTables())
	return c
}

// Store replaces the reference tables.
func (c *Classifier) Store(t *Tables) {
	if t == nil {
		return
	}
	c.tables.Store(t)
}

// Tables returns the current reference tables.
func (c *Classifier) Tables() *Tables {
	return c.tables.Load()
}

// IsBot reports whether the visitor looks automated. Baseline mode only
// matches known bot tokens in the user agent; advanced mode also rejects
// missing or malformed Accept/Accept-Language headers and user agents
// that match no browser signature.
func (c *Classifier) IsBot(sig model.VisitorSignal, advanced bool) bool {
	t := c.tables.Load()
	ua := strings.ToLower(sig.UserAgent)

	if containsAny(ua, t.BotTokens) {
		return true
	}
	if !advanced {
		return false
	}

	if ua == "" || !strings.HasPrefix(ua, "mozilla/") {
		return true
	}
	if !containsAny(ua, t.BrowserSignatures) {
		return true
	}
	if strings.TrimSpace(sig.Accept) == "" {
		return true
	}
	return !validAcceptLanguage(sig.AcceptLanguage)
}

// IsVPNOrHosting reports whether the visitor IP belongs to a known
// hosting, proxy or VPN range. It fails open: without a loaded table,
// or for an unparseable IP, the answer is false.
func (c *Classifier) IsVPNOrHosting(sig model.VisitorSignal) bool {
	t := c.tables.Load()
	if t.Hosting == nil {
		c.metrics.IncClassifierDegraded("hosting")
		c.degraded.Do(func() {
			c.logger.Warn("classifier_degraded",
				"table", "hosting",
				"reason", "table not loaded",
				"policy", "fail_open",
			)
		})
		return false
	}

	addr, err := netip.ParseAddr(sig.IP)
	if err != nil {
		return false
	}
	return t.Hosting.Contains(addr)
}

func containsAny(s string, tokens []string) bool {
	for _, tok := range tokens {
		if strings.Contains(s, tok) {
			return true
		}
	}
	return false
}

// validAcceptLanguage reports whether the header names at least one
// concrete language. A bare wildcard is what scripted clients send.
func validAcceptLanguage(header string) bool {
	header = strings.TrimSpace(header)
	if header == "" {
		return false
	}
	tags, _, err := language.ParseAcceptLanguage(header)
	if err != nil {
		return false
	}
	for _, tag := range tags {
		if tag != language.Und {
			return true
		}
	}
	return false
}
