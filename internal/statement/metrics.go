package statement

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	statementsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statement_tracker_statements_processed_total",
		Help: "Statements that reached a terminal status",
	}, []string{"status"})

	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statement_tracker_uploads_total",
		Help: "Uploaded files by outcome",
	}, []string{"outcome"})

	inferenceTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statement_tracker_inference_tokens_total",
		Help: "Tokens used by the extraction model",
	}, []string{"kind"})

	recoveredResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statement_tracker_extraction_responses_total",
		Help: "Extraction responses by how they were parsed",
	}, []string{"kind"})

	processingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "statement_tracker_processing_duration_seconds",
		Help:    "Time from dequeue to terminal status",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})
)

const (
	outcomeQueued    = "queued"
	outcomeDuplicate = "duplicate"
	outcomeRejected  = "rejected"
)
