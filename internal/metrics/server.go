package metrics

import (
	"net/http"
)

// NewServer creates an HTTP server serving /metrics from h and /healthz.
func NewServer(addr string, h http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	mux.HandleFunc("/healthz", Healthz)

	return &http.Server{
		Addr:    addr,
		Handler: mux,
	}
}

// Healthz always answers ok.
func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
