package gateway

import (
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// OriginPolicy decides which declared origins may open a connection.
type OriginPolicy struct {
	Allowed    []string
	Production bool
	Logger     *slog.Logger
}

// Check is a websocket.Upgrader CheckOrigin function. Requests without an
// Origin header come from native clients and are left to credential checks.
func (p OriginPolicy) Check(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range p.Allowed {
		allowed = strings.TrimSpace(allowed)
		if allowed == "*" || strings.EqualFold(strings.TrimRight(allowed, "/"), strings.TrimRight(origin, "/")) {
			return true
		}
	}
	if !p.Production && isLoopbackOrigin(origin) {
		return true
	}
	if p.Logger != nil {
		p.Logger.Warn("websocket connection rejected from unauthorized origin", "origin", sanitize(origin))
	}
	return false
}

func isLoopbackOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func sanitize(s string) string {
	if len(s) > 200 {
		s = s[:200]
	}
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}
