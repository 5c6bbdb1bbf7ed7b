package engine

import (
	"context"
	"crypto/subtle"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/penshort/cloak/internal/model"
)

// FacebookDomains are the registrable domains accepted when a link only
// takes Facebook traffic.
var FacebookDomains = []string{"facebook.com", "fb.com", "fb.me", "messenger.com"}

// evaluation is the state shared by the steps of one Evaluate call.
type evaluation struct {
	cfg *model.LinkConfig
	sig model.VisitorSignal
	now time.Time
}

// step returns an empty reason to continue or the reason to deny.
type step struct {
	name  string
	check func(ctx context.Context, ev *evaluation) model.DenyReason
}

func (e *Engine) checkToken(_ context.Context, ev *evaluation) model.DenyReason {
	if !ev.cfg.RequireToken {
		return ""
	}
	if ev.sig.Token == nil || ev.cfg.AccessToken == "" {
		return model.DenyInvalidToken
	}
	if subtle.ConstantTimeCompare([]byte(*ev.sig.Token), []byte(ev.cfg.AccessToken)) != 1 {
		return model.DenyInvalidToken
	}
	if ev.cfg.TokenExpiry != nil && ev.now.After(*ev.cfg.TokenExpiry) {
		return model.DenyExpiredToken
	}
	return ""
}

// checkCountry blocks unresolved countries whenever an allow-list is set.
func checkCountry(_ context.Context, ev *evaluation) model.DenyReason {
	if len(ev.cfg.AllowedCountries) == 0 {
		return ""
	}
	country := strings.ToUpper(ev.sig.Country)
	if country == "" {
		return model.DenyCountryBlocked
	}
	for _, allowed := range ev.cfg.AllowedCountries {
		if strings.EqualFold(allowed, country) {
			return ""
		}
	}
	return model.DenyCountryBlocked
}

func checkReferrer(_ context.Context, ev *evaluation) model.DenyReason {
	if !ev.cfg.HasReferrerRule() {
		return ""
	}
	host := referrerHost(ev.sig.Referrer)
	if host == "" {
		return model.DenyReferrerBlocked
	}
	if matchesDomain(host, ev.cfg.AllowedReferrers) {
		return ""
	}
	if ev.cfg.FacebookTrafficOnly && matchesDomain(host, FacebookDomains) {
		return ""
	}
	return model.DenyReferrerBlocked
}

// referrerHost returns the lower-cased host of a Referer value, or "" when
// it has none. Userinfo never counts as the host.
func referrerHost(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	if !strings.Contains(ref, "://") {
		ref = "http://" + ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	return strings.TrimPrefix(host, "www.")
}

// matchesDomain reports whether host, or its registrable domain, matches
// one of the entries. Subdomains of an entry match too.
func matchesDomain(host string, entries []string) bool {
	registrable := RegistrableDomain(host)
	for _, raw := range entries {
		entry := model.NormalizeDomain(raw)
		if entry == "" {
			continue
		}
		if host == entry || registrable == entry || strings.HasSuffix(host, "."+entry) {
			return true
		}
	}
	return false
}

// RegistrableDomain returns the eTLD+1 of host, or host itself when it has
// none (IP addresses, single-label names).
func RegistrableDomain(host string) string {
	if _, err := netip.ParseAddr(host); err == nil {
		return host
	}
	d, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return d
}

func (e *Engine) checkVPN(_ context.Context, ev *evaluation) model.DenyReason {
	if ev.cfg.BlockVPN && e.classifier.IsVPNOrHosting(ev.sig) {
		return model.DenyVPNBlocked
	}
	return ""
}

func (e *Engine) checkBot(_ context.Context, ev *evaluation) model.DenyReason {
	if ev.cfg.BlockBots && e.classifier.IsBot(ev.sig, ev.cfg.AdvancedBotProtection) {
		return model.DenyBotBlocked
	}
	return ""
}

// checkRateLimit fails open on backend errors.
func (e *Engine) checkRateLimit(ctx context.Context, ev *evaluation) model.DenyReason {
	if ev.cfg.RateLimit == nil {
		return ""
	}
	allowed, err := e.limiter.Allow(ctx, ev.cfg.ID, ev.sig.IP, *ev.cfg.RateLimit)
	if err != nil {
		e.metrics.IncCounterBackendError("ratelimit")
		e.logger.Warn("rate limiter unavailable, allowing request",
			"link_id", ev.cfg.ID,
			"error", err,
		)
		return ""
	}
	if !allowed {
		return model.DenyRateLimited
	}
	return ""
}

// checkQuota fails closed on backend errors so the quota is never exceeded.
func (e *Engine) checkQuota(ctx context.Context, ev *evaluation) model.DenyReason {
	if ev.cfg.MaxClicks == nil {
		return ""
	}
	ok, err := e.quota.TryConsume(ctx, ev.cfg.ID, *ev.cfg.MaxClicks)
	if err != nil {
		e.metrics.IncCounterBackendError("quota")
		e.logger.Error("quota tracker unavailable, denying request",
			"link_id", ev.cfg.ID,
			"error", err,
		)
		return model.DenyQuotaExceeded
	}
	if !ok {
		return model.DenyQuotaExceeded
	}
	return ""
}
