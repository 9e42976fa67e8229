package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"relaycast/internal/flv"
	"relaycast/internal/hls"
	"relaycast/internal/observability/logging"
	"relaycast/internal/stream"
)

// attach resolves a hub for the key, pulling from the hosting replica when
// the stream is not local. The release function is always safe to call.
func (s *Server) attach(ctx context.Context, key stream.Key) (*stream.Hub, func(), error) {
	if s.cfg.Relay != nil {
		return s.cfg.Relay.Attach(ctx, key)
	}
	hub, ok := s.cfg.Directory.Get(key)
	if !ok {
		return nil, nil, stream.ErrStreamNotFound
	}
	return hub, func() {}, nil
}

func (s *Server) handleFLV(w http.ResponseWriter, r *http.Request) {
	key, err := streamKey(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx := logging.ContextWithStreamKey(r.Context(), key.String())
	logger := logging.WithContext(ctx, s.logger)

	hub, release, err := s.attach(ctx, key)
	if err != nil {
		if errors.Is(err, stream.ErrStreamNotFound) {
			http.Error(w, "stream not found", http.StatusNotFound)
			return
		}
		logger.Error("attach failed", "error", err)
		http.Error(w, "attach failed", http.StatusBadGateway)
		return
	}
	defer release()

	sub, err := hub.Subscribe()
	if err != nil {
		http.Error(w, "stream just ended", http.StatusNotFound)
		return
	}
	defer sub.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	s.cfg.Metrics.ViewerAttached("flv")
	defer s.cfg.Metrics.ViewerDetached("flv")
	logger.Info("flv viewer attached", "remote_addr", r.RemoteAddr)
	defer logger.Info("flv viewer detached", "remote_addr", r.RemoteAddr)

	w.Header().Set("Content-Type", "video/x-flv")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusOK)

	writer := flv.NewWriter(w)
	for _, frame := range sub.Snapshot() {
		if err := writer.WriteFrame(frame); err != nil {
			return
		}
	}
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-sub.Frames():
			if !ok {
				return
			}
			if err := writer.WriteFrame(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	key, err := streamKey(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx := r.Context()

	playlist, ok := s.cfg.HLS.Playlist(key)
	if !ok {
		// Not remuxing locally: a relay attach starts the pipeline if the
		// stream is live elsewhere. The session outlives this request by
		// the relay grace period, covering the playlist polling cadence.
		if _, release, err := s.attach(ctx, key); err == nil {
			release()
			playlist, ok = s.cfg.HLS.Playlist(key)
		}
	}
	if !ok {
		http.Error(w, "stream not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write([]byte(playlist))
}

func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	key, err := streamKey(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sequence, err := strconv.ParseUint(chi.URLParam(r, "sequence"), 10, 64)
	if err != nil {
		http.Error(w, "bad sequence number", http.StatusBadRequest)
		return
	}
	data, err := s.cfg.HLS.Segment(r.Context(), key, sequence)
	if err != nil {
		if errors.Is(err, hls.ErrSegmentNotFound) {
			http.Error(w, "segment not found", http.StatusNotFound)
			return
		}
		logging.WithContext(r.Context(), s.logger).Error("segment fetch failed", "error", err)
		http.Error(w, "segment fetch failed", http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "max-age=60")
	w.Write(data)
}

// streamInfo is one entry of the local stream listing.
type streamInfo struct {
	Key     string `json:"key"`
	Viewers int    `json:"viewers"`
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	keys := s.cfg.Directory.Keys()
	infos := make([]streamInfo, 0, len(keys))
	for _, key := range keys {
		info := streamInfo{Key: key.String()}
		if hub, ok := s.cfg.Directory.Get(key); ok {
			info.Viewers = hub.Subscribers()
		}
		infos = append(infos, info)
	}
	writeJSON(w, http.StatusOK, map[string]any{"streams": infos})
}

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	overall := "ok"
	code := http.StatusOK
	components := make([]componentStatus, 0, 2)

	if s.cfg.Registry != nil {
		status := componentStatus{Component: "registry", Status: "ok"}
		if _, _, err := s.cfg.Registry.Lookup(r.Context(), stream.Key{Room: "healthz", Media: "probe"}); err != nil {
			status.Status = "degraded"
			status.Error = err.Error()
			overall = "degraded"
			code = http.StatusServiceUnavailable
		}
		components = append(components, status)
	}
	components = append(components, componentStatus{Component: "streams", Status: "ok"})

	writeJSON(w, code, map[string]any{
		"status":     overall,
		"components": components,
		"streams":    s.cfg.Directory.Len(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
