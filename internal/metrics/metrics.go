// Package metrics exposes prometheus collectors for the API.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wikifeedia_http_requests_total",
		Help: "HTTP requests served, by method and status.",
	}, []string{"method", "status"})

	VotesCast = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wikifeedia_votes_cast_total",
		Help: "Post votes cast.",
	})

	VotesRetracted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wikifeedia_votes_retracted_total",
		Help: "Post votes retracted.",
	})

	AIReplies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wikifeedia_ai_replies_total",
		Help: "AI reply attempts, by outcome (skipped, inserted, failed).",
	}, []string{"outcome"})
)

// Handler serves the prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
