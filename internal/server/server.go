// Package server exposes the connection manager over HTTP: a JSON command
// API and a WebSocket stream of polled readings.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shaunagostinho/goobd/internal/codec"
	"github.com/shaunagostinho/goobd/internal/discovery"
	"github.com/shaunagostinho/goobd/internal/manager"
	"github.com/shaunagostinho/goobd/internal/obd"
	"github.com/shaunagostinho/goobd/internal/pid"
	"github.com/shaunagostinho/goobd/internal/transport"
)

const (
	defaultScanTimeout = 5 * time.Second
	maxScanTimeout     = 60 * time.Second
	connectTimeout     = 30 * time.Second
)

// Server routes API requests to a Manager.
type Server struct {
	cfg      *Config
	mgr      *manager.Manager
	scanners map[transport.Kind]discovery.Scanner
	log      *zap.Logger

	hub      *hub
	upgrader websocket.Upgrader
	router   chi.Router
}

// New creates a Server. scanners maps the kinds accepted by /api/discover to
// their scanner.
func New(cfg *Config, mgr *manager.Manager, scanners map[transport.Kind]discovery.Scanner, log *zap.Logger) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("server")
	s := &Server{
		cfg:      cfg,
		mgr:      mgr,
		scanners: scanners,
		log:      log,
		hub:      newHub(log),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer, s.logRequests)
	r.Get("/ws", s.handleWS)
	r.Route("/api", func(r chi.Router) {
		r.Get("/connections", s.handleList)
		r.Post("/connections", s.handleConnect)
		r.Route("/connections/{id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Delete("/", s.handleDisconnect)
			r.Post("/reopen", s.handleReopen)
			r.Post("/execute", s.handleExecute)
			r.Get("/query/{name}", s.handleQuery)
			r.Get("/dtcs", s.handleDTCs)
			r.Delete("/dtcs", s.handleClearDTCs)
			r.Get("/supported", s.handleSupported)
			r.Get("/vin", s.handleVIN)
		})
		r.Get("/pids", s.handlePIDs)
		r.Get("/profiles", s.handleProfiles)
		r.Get("/discover", s.handleDiscover)
		r.Get("/config", s.handleConfig)
	})
	return r
}

func (s *Server) Handler() http.Handler { return s.router }

// MountUI serves the embedded dashboard at the root.
func (s *Server) MountUI(fsys fs.FS) {
	s.router.Handle("/*", http.FileServer(http.FS(fsys)))
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("api",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Info("listening", zap.String("addr", s.cfg.Server.ListenAddr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
	Class string `json:"class"`
}

// statusFor maps an engine error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, obd.ErrUnknownConnection):
		return http.StatusNotFound
	case errors.Is(err, obd.ErrDuplicateConnection), errors.Is(err, obd.ErrNotReady),
		errors.Is(err, obd.ErrIllegalTransition):
		return http.StatusConflict
	case errors.Is(err, obd.ErrUnsupportedTransport), errors.Is(err, obd.ErrInvalidCommand):
		return http.StatusBadRequest
	case errors.Is(err, obd.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, obd.ErrUnsupportedPID), errors.Is(err, obd.ErrDecode), obd.IsNegative(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.log.Debug("request failed", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Class: obd.Classify(err).String()})
}

func badRequest(w http.ResponseWriter, format string, args ...any) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf(format, args...), Class: obd.ClassInvalid.String()})
}

// connID returns the {id} path parameter. Ids containing '/' (serial paths)
// arrive percent-encoded.
func connID(r *http.Request) string {
	raw := chi.URLParam(r, "id")
	if id, err := url.PathUnescape(raw); err == nil {
		return id
	}
	return raw
}

// units picks the presentation for r: ?units= wins over the configured
// default.
func (s *Server) units(r *http.Request) obd.Units {
	u := r.URL.Query().Get("units")
	if u == "" {
		u = s.cfg.Server.Units
	}
	if strings.EqualFold(u, string(obd.Imperial)) {
		return obd.Imperial
	}
	return obd.Metric
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.List())
}

type connectRequest struct {
	Kind    string             `json:"kind"`
	Address string             `json:"address"`
	Config  manager.ConnConfig `json:"config"`
}

type connectResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid body: %v", err)
		return
	}
	kind, err := transport.ParseKind(req.Kind)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", obd.ErrUnsupportedTransport, err))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), connectTimeout)
	defer cancel()
	id, err := s.mgr.Connect(ctx, kind, req.Address, s.cfg.Resolve(req.Config))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, connectResponse{ID: id})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	info, err := s.mgr.Get(connID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Disconnect(connID(r)); err != nil {
		s.log.Debug("disconnect", zap.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReopen(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Reopen(r.Context(), connID(r)); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type executeRequest struct {
	Mode      *int   `json:"mode"`
	PID       *int   `json:"pid"`
	Name      string `json:"name"`
	TimeoutMs int    `json:"timeout_ms"`
}

// command builds the request described by req. A name ("rpm", "01:0C") is
// resolved against the connection's vehicle profile; otherwise mode and pid
// are used as given.
func (s *Server) command(id string, req executeRequest) (obd.Command, error) {
	var cmd obd.Command
	switch {
	case req.Name != "":
		info, err := s.mgr.Get(id)
		if err != nil {
			return cmd, err
		}
		d, err := s.mgr.Registry().Resolve(req.Name, info.VehicleProfile)
		if err != nil {
			return cmd, err
		}
		cmd = d.Command()
	case req.Mode != nil:
		if *req.Mode < 0 || *req.Mode > 0xFF {
			return cmd, fmt.Errorf("%w: mode %d out of range", obd.ErrInvalidCommand, *req.Mode)
		}
		mode := obd.Mode(*req.Mode)
		cmd = obd.ModeCommand(mode)
		if req.PID != nil {
			if *req.PID < 0 || *req.PID > 0xFFFF {
				return cmd, fmt.Errorf("%w: pid %d out of range", obd.ErrInvalidCommand, *req.PID)
			}
			cmd = obd.PIDCommand(mode, uint16(*req.PID))
		}
		if mode == obd.ModeFreezeFrame {
			cmd.Payload = []byte{0x00}
		}
	default:
		return cmd, fmt.Errorf("%w: need mode or name", obd.ErrInvalidCommand)
	}
	if req.TimeoutMs > 0 {
		cmd.Timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	return cmd, nil
}

// readingResponse is a decoded reading plus the raw frame.
type readingResponse struct {
	obd.Reading
	Description string `json:"description,omitempty"`
	Raw         string `json:"raw"`
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, id string, resp *obd.Response) {
	out := readingResponse{
		Reading: obd.NewReading(id, resp).Convert(s.units(r)),
		Raw:     resp.Frame.HexPayload(),
	}
	if info, err := s.mgr.Get(id); err == nil {
		if d, err := s.mgr.Registry().Lookup(resp.Frame.Mode(), resp.Frame.PID(), info.VehicleProfile); err == nil {
			out.Description = d.Description
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	id := connID(r)
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid body: %v", err)
		return
	}
	cmd, err := s.command(id, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp, err := s.mgr.Execute(r.Context(), id, cmd)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, r, id, resp)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	id := connID(r)
	name, _ := url.PathUnescape(chi.URLParam(r, "name"))
	resp, err := s.mgr.Query(r.Context(), id, name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, r, id, resp)
}

type dtcEntry struct {
	Code        obd.DTC `json:"code"`
	Description string  `json:"description,omitempty"`
}

func (s *Server) handleDTCs(w http.ResponseWriter, r *http.Request) {
	mode := obd.ModeStoredCodes
	if v := r.URL.Query().Get("mode"); v != "" {
		var m byte
		if _, err := fmt.Sscanf(v, "%x", &m); err != nil {
			badRequest(w, "invalid mode %q", v)
			return
		}
		mode = obd.Mode(m)
	}
	codes, err := s.mgr.ReadDTCs(r.Context(), connID(r), mode)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]dtcEntry, len(codes))
	for i, c := range codes {
		out[i] = dtcEntry{Code: c, Description: c.Description()}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleClearDTCs(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.ClearDTCs(r.Context(), connID(r)); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSupported(w http.ResponseWriter, r *http.Request) {
	id := connID(r)
	pids, err := s.mgr.SupportedPIDs(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	profile := ""
	if info, err := s.mgr.Get(id); err == nil {
		profile = info.VehicleProfile
	}
	out := make([]pidEntry, 0, len(pids))
	for _, p := range pids {
		d, err := s.mgr.Registry().Lookup(obd.ModeCurrentData, p, profile)
		if err != nil {
			out = append(out, pidEntry{Ref: obd.FormatRef(obd.ModeCurrentData, p), Mode: obd.ModeCurrentData, PID: p})
			continue
		}
		out = append(out, newPIDEntry(d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleVIN(w http.ResponseWriter, r *http.Request) {
	vin, err := s.mgr.VIN(r.Context(), connID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"vin": vin})
}

type pidEntry struct {
	Ref         string   `json:"ref"`
	Mode        obd.Mode `json:"mode"`
	PID         uint16   `json:"pid"`
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	Unit        string   `json:"unit,omitempty"`
	Length      int      `json:"length,omitempty"`
	Profile     string   `json:"profile,omitempty"`
}

func newPIDEntry(d pid.Descriptor) pidEntry {
	return pidEntry{
		Ref:         d.Ref(),
		Mode:        d.Mode,
		PID:         d.PID,
		Name:        d.Name,
		Description: d.Description,
		Unit:        d.Unit,
		Length:      d.Length,
		Profile:     d.Profile,
	}
}

func (s *Server) handlePIDs(w http.ResponseWriter, r *http.Request) {
	ds := s.mgr.Registry().List(r.URL.Query().Get("profile"))
	out := make([]pidEntry, len(ds))
	for i, d := range ds {
		out[i] = newPIDEntry(d)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	kinds := s.mgr.Kinds()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = k.String()
	}
	writeJSON(w, http.StatusOK, map[string][]string{
		"vehicle":    s.mgr.Registry().Profiles(),
		"adapter":    codec.ProfileNames(),
		"transports": names,
	})
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	kind := transport.KindBLE
	if v := r.URL.Query().Get("kind"); v != "" {
		k, err := transport.ParseKind(v)
		if err != nil {
			badRequest(w, "%v", err)
			return
		}
		kind = k
	}
	scanner, ok := s.scanners[kind]
	if !ok {
		s.writeError(w, fmt.Errorf("%w: no scanner for %s", obd.ErrUnsupportedTransport, kind))
		return
	}
	timeout := defaultScanTimeout
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			badRequest(w, "invalid timeout %q", v)
			return
		}
		timeout = min(d, maxScanTimeout)
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	ch, err := scanner.Scan(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	devices := discovery.Collect(ch)
	if devices == nil {
		devices = []discovery.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg)
}
