package httpserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/ikermy/rendezvous-proxy/internal/adapter"
	"github.com/ikermy/rendezvous-proxy/internal/envelope"
	"github.com/ikermy/rendezvous-proxy/internal/metrics"
	"github.com/ikermy/rendezvous-proxy/internal/obslog"
	"github.com/ikermy/rendezvous-proxy/internal/sessionmgr"
	"github.com/ikermy/rendezvous-proxy/internal/turnhandler"
)

// NewMux builds the external interface: the two adapter endpoints,
// liveness, the optional metrics exporter, and the redacted admin
// directory (plus its administrative close and per-request log lookup
// paths). logFilePath is the same path passed to obslog.Set; an empty
// path disables the log-lookup endpoint since there is nothing on disk
// to scan.
func NewMux(th *turnhandler.Handler, mgr *sessionmgr.Manager, reg *metrics.Registry, metricsEnabled bool, startedAt time.Time, logFilePath string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/chat/completions", th.ForFormat(adapter.ChatCompletions))
	mux.HandleFunc("/v1/messages", th.ForFormat(adapter.MessagesFormat))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _, _, active := mgr.Stats()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":          "ok",
			"uptime_seconds":  int(time.Since(startedAt).Seconds()),
			"active_sessions": active,
		})
	})

	if metricsEnabled {
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain; version=0.0.4")
			reg.WriteTo(w)
		})
	}

	mux.HandleFunc("/admin/sessions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(mgr.SnapshotAll())
	})

	mux.HandleFunc("/admin/sessions/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/admin/sessions/")
		if id == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if !mgr.Close(id, envelope.KindSessionGone) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	if logFilePath != "" {
		mux.HandleFunc("/admin/logs/", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			corrID := strings.TrimPrefix(r.URL.Path, "/admin/logs/")
			if corrID == "" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			err := obslog.GetRequestLogs(logFilePath, corrID, func(line string) {
				_, _ = w.Write([]byte(line + "\n"))
			})
			if err != nil {
				obslog.Error("reading request logs for %s: %v", corrID, err)
				w.WriteHeader(http.StatusInternalServerError)
			}
		})
	}

	return mux
}
