package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"gigamap/internal/compute"
	"gigamap/internal/config"
	"gigamap/internal/imagesource"
	"gigamap/internal/pipeline"
	"gigamap/internal/tile"
)

const maxGeoJSONSize = 32 << 20

type Handlers struct {
	config   *config.Config
	logger   *zap.Logger
	pipeline *pipeline.Pipeline
	catalog  *imagesource.Catalog
}

// New wires the API to a pipeline. catalog may be nil when no image
// directory is configured.
func New(config *config.Config, logger *zap.Logger, p *pipeline.Pipeline, catalog *imagesource.Catalog) *Handlers {
	return &Handlers{
		config:   config,
		logger:   logger,
		pipeline: p,
		catalog:  catalog,
	}
}

// Register mounts every API route on mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/api/viewport", h.HandleViewport)
	mux.HandleFunc("/api/frame", h.HandleFrame)
	mux.HandleFunc("/api/tiles/", h.HandleTileRoutes)
	mux.HandleFunc("/api/sources", h.HandleSources)
	mux.HandleFunc("/api/sources/", h.HandleSourceRoutes)
	mux.HandleFunc("/api/markers", h.HandleMarkers)
	mux.HandleFunc("/api/markers/nearby", h.HandleNearbyMarkers)
	mux.HandleFunc("/api/clusters", h.HandleClusters)
	mux.HandleFunc("/api/stats", h.HandleStats)
	mux.HandleFunc("/api/images", h.HandleImages)
	mux.HandleFunc("/api/upload", h.HandleUpload)
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		ip := h.extractIP(r)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		wrapped.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(wrapped, r)

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("ip", ip),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", wrapped.bytesWritten),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigin := ""

		if h.config.IsCORSEnabled() {
			allowedOrigin = h.config.AllowedOrigin
		} else {
			host := r.Host
			if origin != "" && (strings.HasPrefix(origin, "http://"+host) || strings.HasPrefix(origin, "https://"+host)) {
				allowedOrigin = origin
			} else if origin == "" {
				allowedOrigin = "*"
			}
		}

		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type viewportRequest struct {
	Lon    float64 `json:"lon"`
	Lat    float64 `json:"lat"`
	Zoom   float64 `json:"zoom"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
}

// HandleViewport moves the view and answers with the new frame.
func (h *Handlers) HandleViewport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req viewportRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(w, "Invalid viewport", http.StatusBadRequest)
		return
	}
	vp := pipeline.Viewport{Zoom: req.Zoom, Width: req.Width, Height: req.Height}
	vp.Center[0], vp.Center[1] = req.Lon, req.Lat
	if err := h.pipeline.SetViewport(vp); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.writeFrame(w)
}

func (h *Handlers) HandleFrame(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.writeFrame(w)
}

type tileState struct {
	Source string `json:"source"`
	Z      int    `json:"z"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Status string `json:"status"`
	Kind   string `json:"error_kind,omitempty"`
	Error  string `json:"error,omitempty"`
}

type frameResponse struct {
	Viewport *pipeline.Viewport `json:"viewport"`
	Tiles    []tileState        `json:"tiles"`
}

func (h *Handlers) writeFrame(w http.ResponseWriter) {
	states := h.pipeline.CurrentFrameTiles()
	resp := frameResponse{Tiles: make([]tileState, 0, len(states))}
	if vp, ok := h.pipeline.Viewport(); ok {
		resp.Viewport = &vp
	}
	for _, key := range h.pipeline.FrameKeys() {
		st := states[key]
		ts := tileState{Source: key.SourceID, Z: key.Zoom, X: key.X, Y: key.Y, Status: st.Status.String()}
		if st.Err != nil {
			ts.Kind = st.Kind().String()
			ts.Error = st.Err.Error()
		}
		resp.Tiles = append(resp.Tiles, ts)
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleTileRoutes serves /api/tiles/{source}/{z}/{x}/{y}.png and
// POST /api/tiles/{source}/{z}/{x}/{y}/retry.
func (h *Handlers) HandleTileRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tiles/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case len(parts) == 5 && parts[4] == "retry":
		h.handleRetry(w, r, parts[:4])
	case len(parts) == 4:
		h.handleTile(w, r, parts)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handlers) handleTile(w http.ResponseWriter, r *http.Request, parts []string) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	last := parts[3]
	ext := filepath.Ext(last)
	if ext != ".png" {
		http.Error(w, "Invalid format", http.StatusBadRequest)
		return
	}
	key, err := parseKey(parts[0], parts[1], parts[2], strings.TrimSuffix(last, ext))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	entry, err := h.pipeline.Tile(r.Context(), key)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Warn("Failed to load tile", zap.Stringer("key", key), zap.Error(err))
		}
		http.Error(w, err.Error(), status)
		return
	}
	if entry.Pixels == nil {
		http.Error(w, "Tile pixels not available", http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.Header().Set("X-Tile-Bytes", strconv.FormatInt(entry.Size, 10))

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	if err := png.Encode(w, entry.Pixels); err != nil {
		h.logger.Warn("Failed to encode tile", zap.Stringer("key", key), zap.Error(err))
	}
}

func (h *Handlers) handleRetry(w http.ResponseWriter, r *http.Request, parts []string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	key, err := parseKey(parts[0], parts[1], parts[2], parts[3])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cleared := h.pipeline.Retry(key)
	writeJSON(w, http.StatusAccepted, map[string]any{"key": key.String(), "cleared": cleared})
}

func (h *Handlers) HandleSources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.pipeline.Sources())
}

// HandleSourceRoutes serves POST /api/sources/{source}/invalidate.
func (h *Handlers) HandleSourceRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/sources/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 || parts[1] != "invalidate" || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := parts[0]
	if err := h.pipeline.Invalidate(r.Context(), id); err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("Failed to invalidate source", zap.String("source", id), zap.Error(err))
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"source": id, "invalidated": true})
}

// HandleMarkers replaces the marker layer with the features of a GeoJSON
// document. Parsing runs in the background; the request waits for it.
func (h *Handlers) HandleMarkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	doc, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxGeoJSONSize))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	handle := h.pipeline.ImportGeoJSON(doc)
	n, err := handle.Wait(r.Context())
	if err != nil {
		handle.Cancel()
		resp := map[string]any{"error": err.Error()}
		var te *tile.Error
		if errors.As(err, &te) && te.Kind == tile.ParseError {
			resp["offset"] = te.Offset
			var pe *compute.ParseError
			if errors.As(err, &pe) {
				resp["line"], resp["column"] = pe.Line, pe.Column
			}
		}
		writeJSON(w, statusFor(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"markers": n})
}

type markerResponse struct {
	ID    string     `json:"id"`
	Point [2]float64 `json:"point"`
}

// HandleNearbyMarkers serves GET /api/markers/nearby?lon=&lat=&radius=, the
// radius being in degrees.
func (h *Handlers) HandleNearbyMarkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	var vals [3]float64
	for i, name := range []string{"lon", "lat", "radius"} {
		v, err := strconv.ParseFloat(q.Get(name), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			http.Error(w, fmt.Sprintf("Invalid %s", name), http.StatusBadRequest)
			return
		}
		vals[i] = v
	}
	if vals[2] < 0 {
		http.Error(w, "Invalid radius", http.StatusBadRequest)
		return
	}

	markers := h.pipeline.MarkersNear(orb.Point{vals[0], vals[1]}, vals[2])
	out := make([]markerResponse, 0, len(markers))
	for _, m := range markers {
		out = append(out, markerResponse{ID: m.ID, Point: m.Point})
	}
	writeJSON(w, http.StatusOK, out)
}

type clusterResponse struct {
	ID      string     `json:"id"`
	Center  [2]float64 `json:"center"`
	Bound   [4]float64 `json:"bbox"`
	Members []string   `json:"members"`
}

func (h *Handlers) HandleClusters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	clusters := h.pipeline.CurrentClusters()
	out := make([]clusterResponse, 0, len(clusters))
	for _, c := range clusters {
		out = append(out, clusterResponse{
			ID:      c.ID,
			Center:  c.Center,
			Bound:   [4]float64{c.Bound.Min[0], c.Bound.Min[1], c.Bound.Max[0], c.Bound.Max[1]},
			Members: c.Members,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.pipeline.Stats())
}

func (h *Handlers) HandleImages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.catalog == nil {
		writeJSON(w, http.StatusOK, []imagesource.Image{})
		return
	}
	writeJSON(w, http.StatusOK, h.catalog.Images())
}

// HandleUpload stores an image in the catalog and registers it as a tile
// source named image:{id}.
func (h *Handlers) HandleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.catalog == nil {
		http.Error(w, "Image uploads are disabled", http.StatusNotFound)
		return
	}

	if !h.config.IsUploadPublic() {
		token := ""
		if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		}
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token != h.config.UploadToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "Failed to parse multipart form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "No file provided", http.StatusBadRequest)
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	tempFile, err := os.CreateTemp(os.TempDir(), "upload_*"+ext)
	if err != nil {
		h.logger.Error("Failed to create temp file", zap.Error(err))
		http.Error(w, "Failed to save file", http.StatusInternalServerError)
		return
	}
	tempPath := tempFile.Name()

	if _, err := io.Copy(tempFile, file); err != nil {
		tempFile.Close()
		os.Remove(tempPath)
		h.logger.Error("Failed to copy file", zap.Error(err))
		http.Error(w, "Failed to save file", http.StatusInternalServerError)
		return
	}
	tempFile.Close()

	img, err := h.catalog.Add(tempPath, header.Filename)
	if err != nil {
		if _, statErr := os.Stat(tempPath); statErr == nil {
			os.Remove(tempPath)
		}
		h.logger.Error("Failed to process uploaded file", zap.Error(err))
		http.Error(w, "Failed to process file", http.StatusBadRequest)
		return
	}

	src, err := imagesource.NewSource(h.catalog, img.ID)
	if err == nil {
		err = h.pipeline.SetSource(img.SourceID(), src)
	}
	if err != nil {
		h.logger.Error("Failed to register image source", zap.String("id", img.ID), zap.Error(err))
		http.Error(w, "Failed to register image", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":       img.ID,
		"name":     img.OriginalFilename,
		"source":   img.SourceID(),
		"max_zoom": src.MaxZoom(),
		"saved":    true,
	})
}

func parseKey(source, z, x, y string) (tile.Key, error) {
	key := tile.Key{SourceID: source}
	var err error
	if key.Zoom, err = strconv.Atoi(z); err != nil {
		return key, fmt.Errorf("invalid zoom level %q", z)
	}
	if key.X, err = strconv.Atoi(x); err != nil {
		return key, fmt.Errorf("invalid x coordinate %q", x)
	}
	if key.Y, err = strconv.Atoi(y); err != nil {
		return key, fmt.Errorf("invalid y coordinate %q", y)
	}
	return key, key.Validate()
}

func statusFor(err error) int {
	switch tile.KindOf(err) {
	case tile.InvalidKey:
		return http.StatusNotFound
	case tile.ParseError:
		return http.StatusBadRequest
	case tile.Timeout:
		return http.StatusGatewayTimeout
	case tile.QueueFull, tile.Cancelled:
		return http.StatusServiceUnavailable
	case tile.NetworkError, tile.DecodeError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Not for real production use due to potential spoofing
func (h *Handlers) extractIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-Ip")
	if ip != "" {
		return strings.Split(ip, ":")[0]
	}

	addr := r.RemoteAddr
	if addr != "" {
		return strings.Split(addr, ":")[0]
	}

	return "unknown"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
