package middleware

import (
	"crypto/subtle"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/gorilla/mux"

	"github.com/loadforge/loadforge/pkg/configuration"
)

type opsGuard struct {
	token    string
	cidrs    []netip.Prefix
	prefixes []string
}

// OpsGuard hides operational endpoints below prefixes from callers that
// neither come from an allowed network nor present the ops token. Hidden
// routes answer 404.
func OpsGuard(opts configuration.OpsGuardOptions, prefixes ...string) mux.MiddlewareFunc {
	g := &opsGuard{
		token:    strings.TrimSpace(opts.Token),
		cidrs:    parseCIDRs(opts.CIDRs),
		prefixes: prefixes,
	}
	return func(next http.Handler) http.Handler {
		if !opts.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !g.guarded(r.URL.Path) || g.authorized(r) {
				next.ServeHTTP(w, r)
				return
			}
			http.NotFound(w, r)
		})
	}
}

func (g *opsGuard) guarded(path string) bool {
	for _, p := range g.prefixes {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func (g *opsGuard) authorized(r *http.Request) bool {
	if len(g.cidrs) > 0 {
		if ip, ok := stripPort(r.RemoteAddr); ok {
			if addr, err := netip.ParseAddr(ip); err == nil {
				for _, p := range g.cidrs {
					if p.Contains(addr) {
						return true
					}
				}
			}
		}
	}
	if g.token != "" {
		return subtle.ConstantTimeCompare([]byte(tokenFromRequest(r)), []byte(g.token)) == 1
	}
	return false
}

func parseCIDRs(raw string) []netip.Prefix {
	parts := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ';' || r == ' ' || r == '\n' || r == '\t' })
	out := make([]netip.Prefix, 0, len(parts))
	for _, part := range parts {
		if p, err := netip.ParsePrefix(part); err == nil {
			out = append(out, p)
		}
	}
	return out
}

func tokenFromRequest(r *http.Request) string {
	if t := strings.TrimSpace(r.Header.Get("X-Ops-Token")); t != "" {
		return t
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > len("bearer ") && strings.EqualFold(auth[:len("bearer ")], "bearer ") {
		return strings.TrimSpace(auth[len("bearer "):])
	}
	return ""
}

func stripPort(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return host, true
	}
	return s, true
}
