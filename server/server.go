package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/bengmend/huggingface/handler"
	"github.com/bengmend/huggingface/messages"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

const shutdownTimeout = time.Second * 30

type Transcriber interface {
	Handle(ctx context.Context, req handler.Request) (string, error)
}

type ReadinessChecker interface {
	Healthy(ctx context.Context) error
}

type ServerOptions struct {
	ListenAddr      string   `env:"LISTEN_ADDR" envDefault:":8080"`
	MaxRequestBytes int      `env:"MAX_REQUEST_BYTES" envDefault:"67108864"`
	CORSOrigins     []string `env:"CORS_ORIGINS" envDefault:"*"`
}

// ModelInfo describes the loaded model in health responses.
type ModelInfo struct {
	ModelPath string
	Device    string
}

type Server struct {
	log *zap.Logger

	transcriber Transcriber
	readiness   ReadinessChecker
	messages    *messages.MessageProvider
	info        ModelInfo

	maxRequestBytes int

	http *http.Server
}

type ServerDeps struct {
	ParentLogger *zap.Logger
	Transcriber  Transcriber
	Readiness    ReadinessChecker
	Messages     *messages.MessageProvider
	Info         ModelInfo
}

func NewServer(deps ServerDeps, options ServerOptions) *Server {
	s := &Server{
		log:             deps.ParentLogger.Named("server"),
		transcriber:     deps.Transcriber,
		readiness:       deps.Readiness,
		messages:        deps.Messages,
		info:            deps.Info,
		maxRequestBytes: options.MaxRequestBytes,
	}

	s.http = &http.Server{
		Addr:    options.ListenAddr,
		Handler: s.routes(options),
	}

	return s
}

func (s *Server) routes(options ServerOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestContext)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(s.recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: options.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
	}))

	r.Post("/", s.handleTranscribe)
	r.Post("/raw", s.handleTranscribeRaw)
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	return r
}

func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("listening: %w", err)
	}

	s.log.With(zap.String("addr", listener.Addr().String())).Info("listening")

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.http.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving: %w", err)
	}

	s.log.Info("server stopped")
	return nil
}
