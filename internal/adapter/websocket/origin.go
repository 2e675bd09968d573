// Package websocket holds the browser-facing policy for relay WebSocket upgrades.
package websocket

import (
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// NewCheckOrigin returns the CheckOrigin function for the relay upgrader.
// It allows empty origins (non-browser publishers and same-origin pages) and the
// origin of appURL. When isDevelopment is true, loopback origins are allowed too.
// onReject, if set, is called for every rejected origin.
func NewCheckOrigin(appURL string, isDevelopment bool, onReject func(origin string)) func(r *http.Request) bool {
	appOrigin := extractOrigin(appURL)

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}

		if appOrigin != "" && strings.EqualFold(origin, appOrigin) {
			return true
		}

		if isDevelopment && isLoopbackOrigin(origin) {
			return true
		}

		slog.Warn("WebSocket origin rejected", "origin", origin, "remote_addr", r.RemoteAddr)
		if onReject != nil {
			onReject(origin)
		}
		return false
	}
}

func extractOrigin(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func isLoopbackOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
