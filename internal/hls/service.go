package hls

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"relaycast/internal/observability/logging"
	"relaycast/internal/stream"
)

// ServiceConfig configures the HLS pipeline manager.
type ServiceConfig struct {
	Remuxer RemuxerConfig
	// EndedLinger is how long a finished stream's playlist (with ENDLIST)
	// and tail segments stay available before cleanup.
	EndedLinger time.Duration
	Logger      *slog.Logger
}

// Service runs one remuxer per live hub. It observes the stream directory,
// so relay-fed hubs get an HLS pipeline exactly like locally published ones.
type Service struct {
	cfg    ServiceConfig
	logger *slog.Logger

	mu        sync.RWMutex
	pipelines map[stream.Key]*Remuxer
	closed    bool
	wg        sync.WaitGroup

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewService creates the pipeline manager. Attach it to a directory with
// Directory.SetObserver.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.EndedLinger < 0 {
		cfg.EndedLinger = 0
	}
	// Resolve remuxer defaults once so every pipeline shares one storage
	// backend.
	cfg.Remuxer = cfg.Remuxer.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:        cfg,
		logger:     logging.WithComponent(cfg.Logger, "hls"),
		pipelines:  make(map[stream.Key]*Remuxer),
		baseCtx:    ctx,
		cancelBase: cancel,
	}
}

// HubCreated starts a pipeline for a newly live stream. Implements
// stream.Observer.
func (s *Service) HubCreated(hub *stream.Hub) {
	sub, err := hub.Subscribe()
	if err != nil {
		return
	}
	key := hub.Key()
	remuxer := NewRemuxer(key, s.cfg.Remuxer)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.Close()
		return
	}
	s.pipelines[key] = remuxer
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(key, remuxer, sub)
}

// run drains the subscription until end-of-stream, then finalizes the
// playlist and schedules cleanup.
func (s *Service) run(key stream.Key, remuxer *Remuxer, sub *stream.Subscriber) {
	defer s.wg.Done()
	defer sub.Close()
	logger := s.logger.With("stream", key.String())

	for _, frame := range sub.Snapshot() {
		if err := remuxer.Write(s.baseCtx, frame); err != nil {
			logger.Warn("remux error", "error", err)
		}
	}
live:
	for {
		select {
		case frame, ok := <-sub.Frames():
			if !ok {
				break live
			}
			if err := remuxer.Write(s.baseCtx, frame); err != nil {
				logger.Warn("remux error", "error", err)
			}
		case <-s.baseCtx.Done():
			break live
		}
	}

	finishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := remuxer.Finish(finishCtx); err != nil {
		logger.Warn("finalize segment", "error", err)
	}
	cancel()

	if s.cfg.EndedLinger > 0 {
		timer := time.NewTimer(s.cfg.EndedLinger)
		select {
		case <-timer.C:
		case <-s.baseCtx.Done():
			timer.Stop()
		}
	}
	s.teardown(key, remuxer)
}

// teardown forgets the pipeline and deletes its remaining segments.
func (s *Service) teardown(key stream.Key, remuxer *Remuxer) {
	s.mu.Lock()
	if current, ok := s.pipelines[key]; ok && current == remuxer {
		delete(s.pipelines, key)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, name := range remuxer.SegmentNames() {
		if err := s.cfg.Remuxer.Storage.Delete(ctx, name); err != nil {
			s.logger.Warn("cleanup delete failed", "object", name, "error", err)
		}
	}
}

// Playlist returns the rendered playlist for a live (or recently ended)
// stream.
func (s *Service) Playlist(key stream.Key) (string, bool) {
	s.mu.RLock()
	remuxer, ok := s.pipelines[key]
	s.mu.RUnlock()
	if !ok {
		return "", false
	}
	return remuxer.Playlist().Render(), true
}

// Segment fetches one segment's media from storage.
func (s *Service) Segment(ctx context.Context, key stream.Key, sequence uint64) ([]byte, error) {
	s.mu.RLock()
	_, ok := s.pipelines[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSegmentNotFound
	}
	return s.cfg.Remuxer.Storage.Get(ctx, segmentName(key, sequence))
}

// Close stops all pipelines and waits for them to drain.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancelBase()
	s.wg.Wait()
}
