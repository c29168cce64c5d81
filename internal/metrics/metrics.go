// Package metrics: Prometheus метрики HTTP, загрузок и очереди задач.
package metrics

import (
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "libhub_http_requests_total",
			Help: "Общее количество HTTP-запросов",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "libhub_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "libhub_uploads_total",
			Help: "Загрузки публикаций по исходу",
		},
		[]string{"outcome"},
	)

	uploadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "libhub_upload_bytes_total",
		Help: "Объём сохранённых публикаций в байтах",
	})

	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "libhub_jobs_total",
			Help: "Выполненные попытки задач по типу и исходу",
		},
		[]string{"type", "outcome"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "libhub_job_duration_seconds",
			Help:    "Длительность попытки задачи в секундах",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"type"},
	)

	orphansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "libhub_orphan_objects_total",
			Help: "Объекты хранилища без записи, найденные сверкой",
		},
		[]string{"action"},
	)
)

// Исходы загрузки.
const (
	UploadStored   = "stored"
	UploadQueued   = "queued"
	UploadRejected = "rejected"
	UploadFailed   = "failed"
)

// UploadFinished учитывает загрузку. size считается только для stored.
func UploadFinished(outcome string, size int64) {
	uploadsTotal.WithLabelValues(outcome).Inc()
	if outcome == UploadStored && size > 0 {
		uploadBytes.Add(float64(size))
	}
}

// OrphanFound учитывает объект-сироту: action = deleted | reported.
func OrphanFound(action string) {
	orphansTotal.WithLabelValues(action).Inc()
}

// JobObserver передаёт исходы задач очереди в Prometheus.
type JobObserver struct{}

func (JobObserver) JobFinished(jobType, outcome string, duration time.Duration) {
	jobsTotal.WithLabelValues(jobType, outcome).Inc()
	jobDuration.WithLabelValues(jobType).Observe(duration.Seconds())
}

// MetricsMiddleware считает запросы и их длительность по нормализованному пути.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			path := normalizePath(r.URL.Path)

			wrapped := newMetricsResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

var uuidPattern = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

// normalizePath заменяет UUID на {id}, чтобы не раздувать кардинальность.
func normalizePath(path string) string {
	return uuidPattern.ReplaceAllString(path, "{id}")
}

type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush нужен для потоковой отдачи файлов.
func (w *metricsResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
