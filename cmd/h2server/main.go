// Command h2server runs a ServerCore: an HTTP/2 endpoint with an
// HTTP/1.1-over-chi fallback mux, using a flag-parsed config path,
// a background metrics listener, and signal-driven graceful shutdown.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"

	"github.com/baranov-labs/h2session/internal/config"
	"github.com/baranov-labs/h2session/internal/h2core"
	"github.com/baranov-labs/h2session/internal/logging"
	"github.com/baranov-labs/h2session/internal/metrics"
)

type pingResponse struct {
	Message string `json:"message"`
}

func (pingResponse) Render(w http.ResponseWriter, r *http.Request) error { return nil }

func newFallbackMux() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "HEAD"},
	}))
	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		render.Render(w, req, pingResponse{Message: "h2session fallback (http/1.1)"})
	})
	r.Post("/echo-form", func(w http.ResponseWriter, req *http.Request) {
		var form map[string]string
		if err := render.DecodeForm(req.Body, &form); err != nil {
			render.Status(req, http.StatusBadRequest)
			render.Render(w, req, pingResponse{Message: err.Error()})
			return
		}
		render.JSON(w, req, form)
	})
	return r
}

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "c", "config.yaml", "config path")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Server.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	zlog, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer zlog.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Enabled {
		metrics.Enable()
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Listen); err != nil {
				zlog.Sugar().Warnf("metrics server stopped: %v", err)
			}
		}()
		zlog.Sugar().Infof("metrics listening on %s", cfg.Metrics.Listen)
	}

	opts := h2core.ServerOptions{
		Logger: zlog,
		Settings: h2core.Settings{
			MaxConcurrentStreams: cfg.Server.MaxConcurrentStreams,
			InitialWindowSize:    cfg.Server.InitialWindowSize,
			HeaderTableSize:      cfg.Server.HeaderTableSize,
		},
		Fallback: newFallbackMux(),
	}

	var srv *h2core.ServerCore
	if cfg.Server.Plain {
		srv, err = h2core.NewRawServer(opts)
	} else {
		opts.Cert, err = os.ReadFile(cfg.Server.CertFile)
		if err == nil {
			opts.Key, err = os.ReadFile(cfg.Server.KeyFile)
		}
		if err != nil {
			log.Fatalf("read TLS credentials: %v", err)
		}
		srv, err = h2core.NewServer(opts)
	}
	if err != nil {
		log.Fatalf("server init: %v", err)
	}

	srv.OnConnection = func(conn net.Conn, ep *h2core.Endpoint) {
		state := "fallback"
		if ep != nil {
			state = "h2"
		}
		metrics.ObserveNegotiation(state)
	}
	srv.ClientError = func(err error) {
		zlog.Sugar().Debugf("client error: %v", err)
	}
	srv.OnPush = metrics.ObservePush
	srv.OnEndpointCount = func(n int) { metrics.SetEndpointCount("server", n) }
	srv.OnRequest = func(req *h2core.IncomingRequest, resp *h2core.OutgoingResponse) {
		metrics.ObserveStreamOpened("server")
		select {
		case <-req.Ready():
		case <-req.Done():
			return
		}
		resp.SetStatusCode(200)
		resp.Write([]byte("hello from h2session\n"))
		resp.Close()
		metrics.ObserveRequestHandled(resp.StatusCode())
	}

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		log.Fatalf("listen %s: %v", cfg.Server.Listen, err)
	}
	zlog.Sugar().Infof("h2server listening on %s (plain=%v)", cfg.Server.Listen, cfg.Server.Plain)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigc
		zlog.Info("shutting down")
		cancel()
		_ = srv.Close()
	}()

	if err := srv.Serve(ln); err != nil {
		zlog.Sugar().Fatalf("serve: %v", err)
	}
}
