package main

import (
	"fmt"
	"net/http"
	"time"

	x402 "github.com/becomeliminal/x402-resource-server"
	"github.com/becomeliminal/x402-resource-server/transactions"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type routerDeps struct {
	processor *x402.Processor
	txHandler *transactions.Handler
	weather   weatherServer
	registry  *prometheus.Registry
	logger    *zap.Logger
}

func newRouter(d routerDeps) (http.Handler, error) {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggerMiddleware(d.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Content-Type",
			x402.HeaderPaymentSignature, x402.HeaderLegacyPayment,
			transactions.HeaderWebhookSignature,
		},
		ExposedHeaders: []string{
			x402.HeaderPaymentRequired, x402.HeaderPaymentResponse, x402.HeaderLegacyPaymentResponse,
		},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))

	d.txHandler.Routes(r)

	gwmux := runtime.NewServeMux(x402.WithPaymentMetadata())
	if err := registerWeatherGateway(gwmux, d.weather); err != nil {
		return nil, fmt.Errorf("failed to register weather gateway: %w", err)
	}

	r.Group(func(pr chi.Router) {
		pr.Use(d.processor.Middleware)
		pr.Get("/weather", weatherHTTP)
		pr.Handle("/v1/*", gwmux)
	})

	return r, nil
}

// LoggerMiddleware logs HTTP requests
func LoggerMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr))
		})
	}
}
