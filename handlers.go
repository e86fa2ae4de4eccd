package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/kwv/splatdelta/delta"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
)

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(outputDir, reportPath string, reg *prometheus.Registry, metrics *delta.Metrics, log logrus.FieldLogger) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		status := struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			Version   string    `json:"version"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			Version:   Version,
		}
		if err := json.NewEncoder(w).Encode(status); err != nil {
			log.WithError(err).Warn("Error encoding health status")
		}
	})

	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// Latest run report
	mux.HandleFunc("/report", func(w http.ResponseWriter, r *http.Request) {
		if reportPath == "" {
			http.Error(w, "Run reports are disabled", http.StatusNotFound)
			return
		}
		report, err := delta.LoadRunReport(reportPath)
		if err != nil {
			log.WithError(err).Error("Loading run report")
			http.Error(w, "Failed to load run report", http.StatusInternalServerError)
			return
		}
		if report == nil {
			http.Error(w, "No run report available", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		if err := json.NewEncoder(w).Encode(report); err != nil {
			log.WithError(err).Warn("Error encoding run report")
		}
	})

	// Delta files and anything else in the output directory
	mux.Handle("/frames/", http.StripPrefix("/frames/", http.FileServer(http.Dir(outputDir))))

	handler := countBytes(mux, metrics, log)
	return cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodHead},
	}).Handler(handler)
}

// countBytes records the response size of every request by artifact kind.
func countBytes(next http.Handler, metrics *delta.Metrics, log logrus.FieldLogger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		kind := servedKind(r.URL.Path)
		if metrics != nil {
			metrics.ServedBytesTotal.WithLabelValues(kind).Add(float64(m.Written))
		}
		log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   m.Code,
			"bytes":    m.Written,
			"duration": m.Duration,
			"remote":   r.RemoteAddr,
		}).Debug("HTTP request served")
	})
}

// servedKind buckets a request path for the served bytes counter.
func servedKind(path string) string {
	switch {
	case strings.HasSuffix(path, ".delta"):
		return "delta"
	case path == "/report":
		return "report"
	default:
		return "other"
	}
}
