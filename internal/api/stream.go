package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/yonaka/researchd/internal/research"
)

const keepAliveInterval = 15 * time.Second

// handleResearchEvents streams research events over SSE. A reconnecting
// client sends its last seen event id (Last-Event-ID header or lastEventId
// query parameter); persisted events after that revision are replayed before
// switching to live delivery, so no event is lost across the gap.
func handleResearchEvents(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		// Existence check before committing to the stream.
		if _, err := deps.Service.Get(r.Context(), id); err != nil {
			if errors.Is(err, research.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "research not found")
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get research: %v", err)
			return
		}

		sinceRev := lastSeenRevision(r)

		// Subscribe before replaying so events arriving during the replay
		// are buffered instead of lost.
		live, unsubscribe := deps.Hub.Subscribe(id)
		defer unsubscribe()

		backlog, err := deps.Service.EventsSince(r.Context(), id, sinceRev)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load events: %v", err)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		// Replay boundary: live events at the boundary revision may overlap
		// with the tail of the backlog, so dedup those by event id.
		boundaryRev := sinceRev
		boundaryIDs := make(map[string]bool)
		for _, event := range backlog {
			if err := writeSSE(w, event); err != nil {
				return
			}
			if event.Revision > boundaryRev {
				boundaryRev = event.Revision
				boundaryIDs = map[string]bool{event.ID: true}
			} else if event.Revision == boundaryRev {
				boundaryIDs[event.ID] = true
			}
		}
		flusher.Flush()

		keepAlive := time.NewTicker(keepAliveInterval)
		defer keepAlive.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-keepAlive.C:
				if _, err := fmt.Fprint(w, ":\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case event, ok := <-live:
				if !ok {
					return
				}
				if event.Revision < boundaryRev {
					continue
				}
				if event.Revision == boundaryRev && boundaryIDs[event.ID] {
					continue
				}
				if err := writeSSE(w, event); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

// lastSeenRevision extracts the resumption revision from the request.
// Accepts either the full event id form ("<id>:rev:<n>") or a bare revision
// number; absent or unparseable values mean replay from the beginning.
func lastSeenRevision(r *http.Request) int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("lastEventId")
	}
	if raw == "" {
		return 0
	}

	if i := strings.LastIndex(raw, ":rev:"); i >= 0 {
		raw = raw[i+len(":rev:"):]
		// Trim any suffix after the revision ("...:rev:3:result:x").
		if j := strings.IndexByte(raw, ':'); j >= 0 {
			raw = raw[:j]
		}
	}

	rev, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || rev < 0 {
		return 0
	}
	return rev
}

func writeSSE(w http.ResponseWriter, event research.Event) error {
	data, err := json.Marshal(event.Payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Revision, event.Type, data)
	return err
}
