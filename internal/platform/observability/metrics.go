package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ItemsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "newswatch_items_ingested_total",
		Help: "The total number of newly ingested items",
	}, []string{"connector"})

	FetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "newswatch_fetch_errors_total",
		Help: "The total number of failed channel fetches",
	}, []string{"connector"})

	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "newswatch_fetch_duration_seconds",
		Help:    "Duration of channel fetches",
		Buckets: prometheus.DefBuckets,
	}, []string{"connector"})

	ItemsClassified = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "newswatch_items_classified_total",
		Help: "The total number of items classified, by retry priority",
	}, []string{"retry_priority"})

	ItemsLLMProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "newswatch_items_llm_processed_total",
		Help: "The total number of items processed by the LLM worker",
	}, []string{"queue", "status"})

	LLMRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "newswatch_llm_request_duration_seconds",
		Help:    "Duration of LLM requests",
		Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
	}, []string{"provider", "model"})

	LLMBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "newswatch_llm_backlog_size",
		Help: "Number of items awaiting LLM processing",
	})

	ClassifierBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "newswatch_classifier_backlog_size",
		Help: "Number of items awaiting classification",
	})

	FreshQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "newswatch_fresh_queue_depth",
		Help: "Current depth of the in-memory fresh queue",
	})

	FreshQueueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "newswatch_fresh_queue_dropped_total",
		Help: "Items dropped from the fresh queue on overflow",
	})

	DuplicatesLinked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "newswatch_duplicates_linked_total",
		Help: "Duplicate links established, by method",
	}, []string{"method"})

	GPUState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "newswatch_gpu_state",
		Help: "GPU host state (0=sleeping, 1=waking, 2=available, 3=shutting-down)",
	})

	GPUWakes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "newswatch_gpu_wakes_total",
		Help: "GPU wake attempts, by outcome",
	}, []string{"outcome"})

	GPUShutdowns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "newswatch_gpu_shutdowns_total",
		Help: "GPU auto-shutdowns issued",
	})

	WorkerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "newswatch_worker_errors_total",
		Help: "Worker loop and item errors, by worker",
	}, []string{"worker"})

	VectorSyncDelta = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "newswatch_vector_sync_delta",
		Help: "Absolute delta between DB indexed count and vector store count at last reconciliation",
	})
)
