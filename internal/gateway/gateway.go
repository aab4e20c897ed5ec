// internal/gateway/gateway.go
package gateway

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Upstreams are the base URLs of the backing services.
type Upstreams struct {
	Catalog    string
	Booking    string
	Membership string
}

// NewRouter routes /api/v1 requests to the owning service:
//
//	/api/v1/catalog/*  -> catalog, prefix stripped
//	/api/v1/bookings*  -> booking, /api/v1 stripped
//	/api/v1/statuses   -> booking, /api/v1 stripped
//	/api/v1/members*   -> membership, /api/v1 stripped
//	/api/v1/login      -> membership, /api/v1 stripped
//	/api/v1/profile    -> membership, /api/v1 stripped
//	/api/v1/ratings/*  -> membership, /api/v1 stripped
//
// Item status updates are service-to-service calls and are not exposed.
func NewRouter(up Upstreams, logger *slog.Logger) (http.Handler, error) {
	catalog, err := proxy(up.Catalog, logger)
	if err != nil {
		return nil, err
	}
	booking, err := proxy(up.Booking, logger)
	if err != nil {
		return nil, err
	}
	membership, err := proxy(up.Membership, logger)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/catalog", internalOnly(http.StripPrefix("/api/v1/catalog", catalog)))

		api := http.StripPrefix("/api/v1", booking)
		r.Handle("/bookings", api)
		r.Handle("/bookings/*", api)
		r.Handle("/statuses", api)

		members := http.StripPrefix("/api/v1", membership)
		r.Handle("/members", members)
		r.Handle("/members/*", members)
		r.Handle("/login", members)
		r.Handle("/profile", members)
		r.Handle("/ratings/*", members)
	})
	return r, nil
}

func proxy(rawURL string, logger *slog.Logger) (*httputil.ReverseProxy, error) {
	target, err := url.Parse(rawURL)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid upstream url %q", rawURL)
	}
	p := httputil.NewSingleHostReverseProxy(target)
	p.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.ErrorContext(r.Context(), "upstream request failed",
			slog.String("upstream", target.Host),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}
	return p, nil
}

func internalOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut && strings.HasSuffix(strings.TrimSuffix(r.URL.Path, "/"), "/status") {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}
