// Package admin serves the operational HTTP surface of the chat server:
// liveness, Prometheus metrics and a read-only view of the room.
package admin

import (
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/omochice/relaychat/internal/chat"
)

// NewRouter returns the admin handler for room. Metrics are gathered from
// gatherer; a nil gatherer uses the default registry.
func NewRouter(room *chat.Room, gatherer prometheus.Gatherer, logger *slog.Logger) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/room", roomHandler(room, logger))

	return r
}

func roomHandler(room *chat.Room, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := snapshotStruct(room.Snapshot())
		if err != nil {
			logger.Error("failed to build room snapshot", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		var (
			body        []byte
			contentType string
		)
		if r.URL.Query().Get("format") == "proto" {
			body, err = proto.Marshal(snap)
			contentType = "application/x-protobuf"
		} else {
			body, err = protojson.Marshal(snap)
			contentType = "application/json"
		}
		if err != nil {
			logger.Error("failed to encode room snapshot", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", contentType)
		w.Write(body)
	}
}

// snapshotStruct converts a room snapshot into a google.protobuf.Struct.
// Members are sorted by identity for stable output.
func snapshotStruct(s chat.Snapshot) (*structpb.Struct, error) {
	members := slices.Clone(s.Members)
	slices.SortFunc(members, func(a, b chat.Member) int {
		if c := strings.Compare(a.Identity.String(), b.Identity.String()); c != 0 {
			return c
		}
		return strings.Compare(a.Key, b.Key)
	})

	ms := make([]any, 0, len(members))
	for _, m := range members {
		ms = append(ms, map[string]any{
			"key": m.Key,
			"id":  m.Identity.String(),
		})
	}
	hs := make([]any, 0, len(s.History))
	for _, f := range s.History {
		hs = append(hs, map[string]any{
			"sender":  f.Sender.String(),
			"kind":    f.Kind().String(),
			"payload": f.Text(),
		})
	}
	return structpb.NewStruct(map[string]any{
		"members": ms,
		"history": hs,
	})
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("admin request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
			)
		})
	}
}
