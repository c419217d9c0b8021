package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/CuteLeaf/BuildingMomo-sub000/internal/engine"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/metrics"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/transport/ws"
)

type adminBackend interface {
	Status(ctx context.Context) (engine.Status, error)
	Flush(ctx context.Context) (engine.FlushResult, error)
}

func newRouter(eng adminBackend, wsSrv *ws.Server, m *metrics.Metrics, admin bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	r.Handle("/metrics", m.Handler())
	r.Get("/v1/ws", wsSrv.Handler())

	if admin {
		// Local-only admin endpoints.
		r.Route("/admin/v1", func(r chi.Router) {
			r.Use(loopbackOnly)
			r.Get("/status", func(rw http.ResponseWriter, r *http.Request) {
				ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
				defer cancel()
				st, err := eng.Status(ctx)
				if err != nil {
					writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
					return
				}
				writeJSON(rw, http.StatusOK, st)
			})
			r.Post("/flush", func(rw http.ResponseWriter, r *http.Request) {
				ctx, cancel := context.WithTimeout(r.Context(), 35*time.Second)
				defer cancel()
				res, err := eng.Flush(ctx)
				if err != nil {
					writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
					return
				}
				code := http.StatusOK
				if res.Wrote && !res.OK {
					code = http.StatusInternalServerError
				}
				writeJSON(rw, code, res)
			})
		})
	}
	return r
}

func loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(rw, r)
	})
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func writeJSON(rw http.ResponseWriter, code int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	_ = json.NewEncoder(rw).Encode(v)
}
