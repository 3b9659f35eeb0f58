// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package archive

import (
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/nishisan-dev/n-myth/internal/config"
)

// ACL restringe o endpoint HTTP do daemon aos CIDRs de metrics.allow.
// Lista vazia nega tudo.
type ACL struct {
	nets    []*net.IPNet
	metrics *Metrics
	logger  *slog.Logger
}

// NewACL monta a ACL a partir da seção metrics já validada. Negações são
// contadas em metrics (se não nil) e registradas em logger.
func NewACL(info config.MetricsInfo, metrics *Metrics, logger *slog.Logger) *ACL {
	if logger == nil {
		logger = slog.Default()
	}
	return &ACL{nets: info.ParsedAllow, metrics: metrics, logger: logger}
}

// Middleware responde 403 para clientes fora da ACL.
func (a *ACL) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Allowed(r.RemoteAddr) {
			endpoint := endpointOf(r.URL.Path)
			if a.metrics != nil {
				a.metrics.recordDenied(endpoint)
			}
			a.logger.Warn("http request denied", "remote", r.RemoteAddr, "endpoint", endpoint)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Allowed aceita host:port ou IP puro.
func (a *ACL) Allowed(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, cidr := range a.nets {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// endpointOf reduz o path ao rótulo usado na métrica de negações.
func endpointOf(path string) string {
	switch {
	case path == "/metrics":
		return "metrics"
	case strings.HasPrefix(path, "/api/"):
		return "api"
	default:
		return "other"
	}
}
