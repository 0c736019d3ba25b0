package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	BusMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgehandler_bus_messages_total",
			Help: "Total messages received from the bus.",
		},
		[]string{"channel", "label"},
	)

	ParseErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgehandler_parse_errors_total",
			Help: "Router parse failures.",
		},
		[]string{"label", "reason"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edgehandler_queue_depth",
			Help: "Depth of the in-process stage queues.",
		},
		[]string{"queue"},
	)

	MergeEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgehandler_merge_emitted_total",
			Help: "Records emitted by the merger (merged, extra_4k).",
		},
		[]string{"kind"},
	)

	MergeBufferSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edgehandler_merge_buffer_size",
			Help: "Entries buffered per merger side.",
		},
		[]string{"side"},
	)

	MergeAgedOutTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "edgehandler_merge_aged_out_total",
			Help: "Buffered entries dropped by the 60s aging pass.",
		},
	)

	OCRCandidates = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "edgehandler_ocr_candidates",
			Help:    "Candidate images considered per raw-4K record.",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13},
		},
	)

	OCRDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "edgehandler_ocr_duration_seconds",
			Help:    "Plate-detect + OCR latency per raw-4K record.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgehandler_deliveries_total",
			Help: "Structured insert outcomes per sink.",
		},
		[]string{"sink", "result"},
	)

	ImageUploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgehandler_image_uploads_total",
			Help: "Image upload outcomes by kind.",
		},
		[]string{"kind", "result"},
	)

	SpooledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgehandler_spooled_total",
			Help: "Records written to the spool.",
		},
		[]string{"reason"},
	)

	RetryReplayedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "edgehandler_retry_replayed_total",
			Help: "Spool rows replayed into the server queue.",
		},
	)

	SweptFilesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "edgehandler_swept_files_total",
			Help: "Stale image files removed by the sweeper.",
		},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(register)
}

func register() {
	prometheus.MustRegister(
		BusMessagesTotal,
		ParseErrorsTotal,
		QueueDepth,
		MergeEmittedTotal,
		MergeBufferSize,
		MergeAgedOutTotal,
		OCRCandidates,
		OCRDuration,
		DeliveriesTotal,
		ImageUploadsTotal,
		SpooledTotal,
		RetryReplayedTotal,
		SweptFilesTotal,
	)
}
