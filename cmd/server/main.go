package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"credguard/internal/config"
	"credguard/internal/factory"
	"credguard/internal/handler"
	"credguard/internal/service"
	"credguard/internal/util"

	"go.uber.org/zap"
)

func main() {
	cfg := config.LoadConfig()
	// util helpers skip one caller frame; injected loggers must not.
	logger := util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format).WithOptions(zap.AddCallerSkip(-1))
	defer util.Sync()

	if err := cfg.Validate(); err != nil {
		util.Fatal("Invalid configuration", util.ErrorField(err))
	}

	f, err := factory.NewFactory(cfg, logger)
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	auth := f.ServiceFactory().Authenticator()
	logHashReport(auth.HashReport, logger)

	authHandler := handler.NewAuthHandler(auth, f.SessionManager(), cfg, logger.Named("handler"))
	router := handler.NewRouter(authHandler, f, cfg, logger.Named("http"))

	server := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	var challenge *http.Server
	if cfg.Server.EnableTLS {
		tlsManager := f.TLSManager()
		server.TLSConfig = tlsManager.GetTLSConfig()

		// HTTP-01 challenges must be answered on port 80.
		if acm := tlsManager.GetAutocertManager(); acm != nil {
			challenge = &http.Server{
				Addr:              ":80",
				Handler:           acm.HTTPHandler(nil),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				util.Info("Starting ACME challenge server on port 80")
				if err := challenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					util.Error("ACME challenge server failed", util.ErrorField(err))
				}
			}()
		}
	} else {
		util.Warn("Starting HTTP server - TLS is disabled",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.Port),
		)
	}

	go func() {
		var err error
		if cfg.Server.EnableTLS {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.Fatal("Server failed to start", util.ErrorField(err))
		}
	}()

	util.Info("Server started successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.String("address", server.Addr),
	)

	waitForShutdown(cfg.Server.ShutdownTimeout, server, challenge)
}

// logHashReport records how many stored credentials still carry each
// algorithm, so operators can track migrations.
func logHashReport(report func(context.Context) (*service.HashReport, error), logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r, err := report(ctx)
	if err != nil {
		logger.Warn("Hash report unavailable", zap.Error(err))
		return
	}
	fields := []zap.Field{
		zap.Int("total", r.Total),
		zap.Int("mismatched", r.Mismatched),
		zap.Float64("average_hash_length", r.AverageHashLength),
		zap.String("most_common", string(r.MostCommon)),
	}
	for alg, n := range r.ByAlgorithm {
		fields = append(fields, zap.Int(string(alg), n))
	}
	if r.Total > 0 {
		fields = append(fields, zap.Time("earliest", r.Earliest), zap.Time("latest", r.Latest))
	}
	logger.Info("Stored credential algorithms", fields...)
	if r.Mismatched > 0 {
		logger.Warn("Stored credentials tagged with the wrong algorithm", zap.Int("count", r.Mismatched))
	}
}

func waitForShutdown(timeout time.Duration, servers ...*http.Server) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-signalChan
	util.Info("Received shutdown signal", util.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for _, srv := range servers {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			util.Error("Failed to shutdown server gracefully", util.ErrorField(err))
		} else {
			util.Info("Server shutdown completed", util.String("address", srv.Addr))
		}
	}
}
