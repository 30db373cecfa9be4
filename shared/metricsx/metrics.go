package metricsx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	ledgerEventsRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_events_recorded_total",
			Help: "Ledger events durably recorded, by event type.",
		},
		[]string{"event_type"},
	)
	ledgerDuplicates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_duplicate_events_total",
			Help: "Record attempts deduplicated by event id.",
		},
	)
	ledgerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_rejected_events_total",
			Help: "Ledger events rejected before persistence, by reason.",
		},
		[]string{"reason"},
	)
	ledgerCompensations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_compensations_total",
			Help: "Compensation events recorded.",
		},
	)
	ledgerTxLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ledger_record_duration_seconds",
			Help:    "Ledger record transaction latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
	kafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag by topic.",
		},
		[]string{"topic", "group"},
	)
	influxWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "influx_write_failures_total",
			Help: "Total InfluxDB write failures.",
		},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynq_queue_depth",
			Help: "Asynq queue depth by queue.",
		},
		[]string{"queue"},
	)
	outboxBacklog = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "outbox_events",
			Help: "Outbox rows by status.",
		},
		[]string{"status"},
	)
)

func Register() {
	prometheus.MustRegister(
		httpRequests, httpLatency,
		ledgerEventsRecorded, ledgerDuplicates, ledgerRejections, ledgerCompensations, ledgerTxLatency,
		kafkaConsumerLag, influxWriteFailures, asynqQueueDepth, outboxBacklog,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

func IncEventRecorded(eventType string) {
	ledgerEventsRecorded.WithLabelValues(eventType).Inc()
}

func IncDuplicateEvent() {
	ledgerDuplicates.Inc()
}

func IncEventRejected(reason string) {
	ledgerRejections.WithLabelValues(reason).Inc()
}

func IncCompensation() {
	ledgerCompensations.Inc()
}

func ObserveRecordLatency(d time.Duration) {
	ledgerTxLatency.Observe(d.Seconds())
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaConsumerLag.WithLabelValues(topic, group).Set(float64(lag))
}

func IncInfluxWriteFailure() {
	influxWriteFailures.Inc()
}

func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

func SetOutboxBacklog(status string, n int) {
	outboxBacklog.WithLabelValues(status).Set(float64(n))
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
