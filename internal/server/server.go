// Package server exposes the published raster: a websocket live preview,
// an on-the-fly PNG endpoint with display rotation and scaling, and the
// export trigger. Rotation and scaling happen here, at the display
// boundary; the pipeline only ever hands out the unrotated raster.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"io/fs"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gorilla/websocket"
	"github.com/nfnt/resize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"depthview-go/internal/config"
	"depthview-go/internal/metrics"
	"depthview-go/internal/output"
	"depthview-go/internal/pipeline"
	"depthview-go/internal/types"
)

//go:embed web/*
var webFS embed.FS

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingEvery = (pongWait * 9) / 10
)

type Server struct {
	upgrader websocket.Upgrader
	clients  map[*websocket.Conn]*sync.Mutex
	mu       sync.Mutex

	cfg      config.AppConfig
	pipe     *pipeline.Pipeline
	exportFn func() (string, error)
	statusFn func() map[string]any
	gatherer prometheus.Gatherer
	log      *zap.Logger
}

// Run serves until ctx is cancelled or the listener fails.
func Run(
	ctx context.Context,
	cfg config.AppConfig,
	pipe *pipeline.Pipeline,
	exportFn func() (string, error),
	statusFn func() map[string]any,
	gatherer prometheus.Gatherer,
	logger *zap.Logger,
) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:  make(map[*websocket.Conn]*sync.Mutex),
		cfg:      cfg,
		pipe:     pipe,
		exportFn: exportFn,
		statusFn: statusFn,
		gatherer: gatherer,
		log:      logger,
	}

	sub, err := fs.Sub(webFS, "web")
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.FS(sub)))
	mux.HandleFunc("/ws", srv.handleWS)
	mux.HandleFunc("/frame.png", srv.handleFramePNG)
	mux.HandleFunc("/export", srv.handleExport)
	mux.HandleFunc("/healthz", srv.handleHealth)
	mux.HandleFunc("/config", srv.handleConfig)
	mux.HandleFunc("/status", srv.handleStatus)
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	go srv.broadcast(ctx)

	return httpServer.ListenAndServe()
}

// broadcast pushes the latest raster to websocket clients, coalesced to the
// configured UI rate. The pipeline's update kick only marks the slot dirty;
// the slot itself is re-read at send time, so clients always get the
// newest image even when kicks were dropped.
func (s *Server) broadcast(ctx context.Context) {
	rate := s.cfg.UIRate
	if rate <= 0 {
		rate = 100 * time.Millisecond
	}
	ticker := time.NewTicker(rate)
	defer ticker.Stop()

	dirty := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.pipe.Updates():
			dirty = true
		case <-ticker.C:
			if !dirty {
				continue
			}
			dirty = false
			img := s.pipe.Latest()
			if img == nil {
				continue
			}
			s.push(types.Snapshot(img))
		}
	}
}

func (s *Server) push(message any) {
	payload, err := json.Marshal(message)
	if err != nil {
		return
	}
	var stale []*websocket.Conn
	s.mu.Lock()
	for conn, writeMu := range s.clients {
		if err := s.writeMessage(conn, writeMu, websocket.TextMessage, payload); err != nil {
			stale = append(stale, conn)
		}
	}
	s.mu.Unlock()
	for _, conn := range stale {
		s.removeClient(conn)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	s.mu.Lock()
	writeMu := &sync.Mutex{}
	s.clients[conn] = writeMu
	s.mu.Unlock()

	_ = s.writeJSON(conn, writeMu, s.configPayload())

	go func() {
		done := make(chan struct{})
		go func() {
			ticker := time.NewTicker(pingEvery)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if err := s.writeMessage(conn, writeMu, websocket.PingMessage, nil); err != nil {
						_ = conn.Close()
						return
					}
				}
			}
		}()
		defer close(done)
		defer s.removeClient(conn)
		for {
			messageType, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			var request map[string]any
			if err := json.Unmarshal(payload, &request); err != nil {
				continue
			}
			s.handleClientMessage(conn, writeMu, request)
		}
	}()
}

func (s *Server) handleClientMessage(conn *websocket.Conn, writeMu *sync.Mutex, request map[string]any) {
	switch request["type"] {
	case "snapshot_request":
		img := s.pipe.Latest()
		if img == nil {
			return
		}
		_ = s.writeJSON(conn, writeMu, types.Snapshot(img))
	case "smoothing":
		enabled, _ := request["enabled"].(bool)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := s.pipe.SetSmoothing(ctx, enabled)
		cancel()
		if err != nil {
			s.log.Warn("smoothing toggle failed", zap.Error(err))
			_ = s.writeJSON(conn, writeMu, map[string]any{"type": "error", "error": err.Error()})
			return
		}
		_ = s.writeJSON(conn, writeMu, map[string]any{"type": "smoothing", "enabled": s.pipe.Smoothing()})
	case "export_request":
		go func() {
			path, err := s.exportFn()
			if err != nil {
				_ = s.writeJSON(conn, writeMu, map[string]any{"type": "export", "error": err.Error()})
				return
			}
			_ = s.writeJSON(conn, writeMu, map[string]any{"type": "export", "path": path})
		}()
	}
}

// handleFramePNG serves the latest raster as PNG. Optional query params:
// rotate (90/180/270 clockwise, matching device orientation) and width
// (preview scaling, nearest neighbor to keep depth edges crisp).
func (s *Server) handleFramePNG(w http.ResponseWriter, r *http.Request) {
	latest := s.pipe.Latest()
	if latest == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var img image.Image = latest.ToGray()
	switch r.URL.Query().Get("rotate") {
	case "", "0":
	case "90":
		// imaging rotates counter-clockwise
		img = imaging.Rotate270(img)
	case "180":
		img = imaging.Rotate180(img)
	case "270":
		img = imaging.Rotate90(img)
	default:
		http.Error(w, "rotate must be 0, 90, 180 or 270", http.StatusBadRequest)
		return
	}
	if widthParam := r.URL.Query().Get("width"); widthParam != "" {
		width, err := strconv.Atoi(widthParam)
		if err != nil || width < 1 || width > 4096 {
			http.Error(w, "invalid width", http.StatusBadRequest)
			return
		}
		img = resize.Resize(uint(width), 0, img, resize.NearestNeighbor)
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := png.Encode(w, img); err != nil {
		s.log.Warn("frame encode failed", zap.Error(err))
	}
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if s.pipe.Latest() == nil {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "no image published yet"})
		return
	}

	path, err := s.exportFn()
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, output.ErrPersistenceDenied) {
			code = http.StatusForbidden
		}
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": err.Error()})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"path": path})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.configPayload())
}

func (s *Server) configPayload() map[string]any {
	clip := s.pipe.Clip()
	return map[string]any{
		"type":      "config",
		"port":      s.cfg.Port,
		"endpoint":  s.cfg.Endpoint,
		"clip_min":  clip.Min,
		"clip_max":  clip.Max,
		"smoothing": s.pipe.Smoothing(),
		"mode":      string(s.pipe.Mode()),
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	payload := map[string]any{}
	if s.statusFn != nil {
		payload = s.statusFn()
	}
	if s.gatherer != nil {
		payload["metrics"] = metrics.Snapshot(s.gatherer)
	}
	payload["ws_clients"] = s.clientCount()
	if latest := s.pipe.Latest(); latest != nil {
		payload["last_frame_id"] = latest.FrameID
		payload["last_frame_at"] = latest.CapturedAt.Format(time.RFC3339)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) clientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) writeJSON(conn *websocket.Conn, writeMu *sync.Mutex, payload any) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(payload)
}

func (s *Server) writeMessage(conn *websocket.Conn, writeMu *sync.Mutex, messageType int, payload []byte) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, payload)
}
