// Package server exposes the symbolicator over HTTP.
package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/protobuf/proto"

	"github.com/VladMinzatu/symbolicator/internal/exporter"
	"github.com/VladMinzatu/symbolicator/internal/symbolicate"
)

const (
	DefaultMaxRequestBytes = 16 << 20

	formatJSON   = "json"
	formatPprof  = "pprof"
	formatOTLP   = "otlp"
	formatFolded = "folded"

	readHeaderTimeout = 10 * time.Second
)

type Server struct {
	logger          *slog.Logger
	sym             *symbolicate.Symbolicator
	gatherer        prometheus.Gatherer
	maxRequestBytes int64
	now             exporter.NowFunc

	Handler http.Handler
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func WithMaxRequestBytes(n int64) Option {
	return func(s *Server) { s.maxRequestBytes = n }
}

// WithNowFunc sets the clock used to timestamp exported profiles.
func WithNowFunc(now exporter.NowFunc) Option {
	return func(s *Server) { s.now = now }
}

// New builds the router. Metrics are registered with and served from reg.
func New(sym *symbolicate.Symbolicator, reg *prometheus.Registry, opts ...Option) *Server {
	s := &Server{
		logger:          slog.Default(),
		sym:             sym,
		gatherer:        reg,
		maxRequestBytes: DefaultMaxRequestBytes,
		now:             func() uint64 { return uint64(time.Now().UnixNano()) },
	}
	for _, opt := range opts {
		opt(s)
	}

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "symbolicator",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests by handler, method and status code.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"handler", "method", "code"})
	reg.MustRegister(duration)

	instrument := func(name string, h http.HandlerFunc) http.Handler {
		return promhttp.InstrumentHandlerDuration(
			duration.MustCurryWith(prometheus.Labels{"handler": name}), h)
	}

	r := mux.NewRouter()
	r.Handle("/symbolicate", instrument("symbolicate", s.symbolicateHandler)).Methods(http.MethodPost)
	r.Handle("/symbolicate/v5", instrument("symbolicate", s.symbolicateHandler)).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.healthHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.Use(s.loggingMiddleware)

	s.Handler = r
	return s
}

// Run serves on addr until ctx is done, then gives in-flight requests up to
// shutdownTimeout to finish.
func (s *Server) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, l, shutdownTimeout)
}

func (s *Server) Serve(ctx context.Context, l net.Listener, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Handler:           s.Handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Serving symbolication requests", "address", l.Addr().String())
		errCh <- srv.Serve(l)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) symbolicateHandler(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = formatJSON
	}
	switch format {
	case formatJSON, formatPprof, formatOTLP, formatFolded:
	default:
		s.writeError(w, http.StatusBadRequest, &symbolicate.Error{
			Kind: symbolicate.KindInvalidInput,
			Msg:  fmt.Sprintf("Invalid input: unknown format %q", format),
		})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxRequestBytes))
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		s.writeError(w, status, &symbolicate.Error{
			Kind: symbolicate.KindInvalidInput,
			Msg:  "Invalid input: read request body",
			Err:  err,
		})
		return
	}

	jobs, err := symbolicate.ParseRequest(body)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	resp := s.sym.Symbolicate(r.Context(), jobs)

	var (
		out         []byte
		contentType string
	)
	switch format {
	case formatJSON:
		contentType = "application/json"
		out, err = resp.Encode()
	case formatPprof:
		contentType = "application/octet-stream"
		out, err = s.encodePprof(resp)
	case formatOTLP:
		contentType = "application/x-protobuf"
		out, err = s.encodeOTLP(resp)
	case formatFolded:
		contentType = "text/plain; charset=utf-8"
		out, err = encodeFolded(resp)
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(out); err != nil {
		s.logger.Debug("Failed to write response", "error", err)
	}
}

func (s *Server) encodePprof(resp *symbolicate.Response) ([]byte, error) {
	p, err := exporter.BuildPprofProfile(exporter.StacksFromResponse(resp), s.now)
	if err != nil {
		return nil, serializationError(err, "build pprof profile")
	}
	var buf bytes.Buffer
	if err := exporter.WriteProfile(p, &buf); err != nil {
		return nil, serializationError(err, "write pprof profile")
	}
	return buf.Bytes(), nil
}

func (s *Server) encodeOTLP(resp *symbolicate.Response) ([]byte, error) {
	data := exporter.BuildOltpProfile(exporter.StacksFromResponse(resp), s.now)
	out, err := proto.Marshal(exporter.ExportRequest(data))
	if err != nil {
		return nil, serializationError(err, "marshal otlp profiles")
	}
	return out, nil
}

func encodeFolded(resp *symbolicate.Response) ([]byte, error) {
	var buf bytes.Buffer
	agg := exporter.BuildFoldedStacks(exporter.StacksFromResponse(resp))
	if err := exporter.WriteFoldedStacks(agg, &buf); err != nil {
		return nil, serializationError(err, "write folded stacks")
	}
	return buf.Bytes(), nil
}

func serializationError(err error, msg string) error {
	return &symbolicate.Error{Kind: symbolicate.KindSerialization, Msg: msg, Err: err}
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok\n")
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.Debug("Symbolication request failed", "status", status, "error", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(symbolicate.EncodeError(err))
}

// statusFor maps request errors to 400 and everything else to 500.
func statusFor(err error) int {
	switch symbolicate.Classify(err) {
	case symbolicate.KindInvalidInput, symbolicate.KindUnmatchedModuleIndex:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("Handled request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}
