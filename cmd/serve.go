package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/openroads/roadsurvey/internal/config"
	"github.com/openroads/roadsurvey/internal/report"
	"github.com/openroads/roadsurvey/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the read-only report API",
	Long: `Serves built reports over HTTP. Reads only: report construction never takes
the resync lock, and results are cached per filter until the road is resynced.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		registry, err := loadRegistry()
		if err != nil {
			return err
		}

		cache := report.NewCache(time.Duration(cfg.Report.CacheTTLMinutes) * time.Minute)
		api := &reportAPI{
			builder:  report.NewBuilder(st, registry),
			registry: registry,
			cache:    cache,
			store:    st,
		}

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.RealIP)
		r.Use(middleware.Recoverer)
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet},
		}))
		r.Use(rateLimit(cfg.Server.RatePerSecond, cfg.Server.RateBurst))

		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
		r.Get("/roads/{roadCode}/report", api.roadReport)
		r.Get("/aggregate", api.aggregate)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

type reportAPI struct {
	builder  *report.Builder
	registry *config.Registry
	cache    *report.Cache
	store    store.Store
}

func (a *reportAPI) roadReport(w http.ResponseWriter, r *http.Request) {
	f := report.Filter{
		RoadCode:   chi.URLParam(r, "roadCode"),
		AssetCode:  r.URL.Query().Get("asset"),
		Attributes: a.registry.Names(),
	}
	if attrs := r.URL.Query().Get("attributes"); attrs != "" {
		f.Attributes = splitAndTrim(attrs)
	}
	f.Window.Start = queryInt(r, "start")
	f.Window.End = queryInt(r, "end")

	rep, err := a.cache.Get(r.Context(), f, func(ctx context.Context) (*report.Report, error) {
		return a.builder.Build(ctx, f)
	})
	if err != nil {
		zap.L().Error("report build failed", zap.String("road_code", f.RoadCode), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "report build failed"})
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *reportAPI) aggregate(w http.ResponseWriter, r *http.Request) {
	roads := splitAndTrim(r.URL.Query().Get("roads"))
	if len(roads) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "roads query parameter is required"})
		return
	}
	rows, err := a.builder.CrossRoad(r.Context(), roads)
	if err != nil {
		zap.L().Error("aggregate failed", zap.Strings("roads", roads), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "aggregate failed"})
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func queryInt(r *http.Request, key string) *int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return &n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// rateLimit enforces a per-client-IP token bucket.
func rateLimit(perSecond float64, burst int) func(http.Handler) http.Handler {
	var (
		mu       sync.Mutex
		limiters = make(map[string]*rate.Limiter)
	)
	limiterFor := func(ip string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		l, ok := limiters[ip]
		if !ok {
			l = rate.NewLimiter(rate.Limit(perSecond), burst)
			limiters[ip] = l
		}
		return l
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}
			if !limiterFor(ip).Allow() {
				writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default: from config)")
	rootCmd.AddCommand(serveCmd)
}
