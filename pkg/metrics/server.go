// HTTP handler for the Prometheus metrics endpoint
//
// The feed server mounts Handler at /metrics:
//
//	mux.Handle("/metrics", metrics.Handler(deviceMetrics))
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"net/http"
	"strconv"
)

// Gatherer produces Prometheus text output.
type Gatherer interface {
	Gather() string
}

// Handler serves g's output to GET and HEAD requests.
func Handler(g Gatherer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		output := g.Gather()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.Header().Set("Content-Length", strconv.Itoa(len(output)))
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write([]byte(output))
	})
}
