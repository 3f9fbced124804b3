package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clocking_import"

// Metrics 导入服务指标，nil 接收者上的方法均为空操作
type Metrics struct {
	registry *prometheus.Registry

	punches           *prometheus.CounterVec
	rowsSkipped       *prometheus.CounterVec
	attendanceUpserts prometheus.Counter
	delayOutcomes     *prometheus.CounterVec
	evaluationErrors  prometheus.Counter
	jobs              *prometheus.CounterVec
	jobDuration       prometheus.Histogram
	httpRequests      *prometheus.CounterVec
}

// New 创建并注册指标（独立 Registry）
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		punches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "punches_total",
			Help:      "Raw punches recorded by status.",
		}, []string{"status"}),
		rowsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_skipped_total",
			Help:      "File rows dropped by the ingestor by reason.",
		}, []string{"reason"}),
		attendanceUpserts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attendance_upserts_total",
			Help:      "Attendance days written by flushes.",
		}),
		delayOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delay_evaluations_total",
			Help:      "Delay evaluations by outcome.",
		}, []string{"outcome"}),
		evaluationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delay_evaluation_errors_total",
			Help:      "Delay evaluations abandoned because of an error.",
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Import jobs finished by result.",
		}, []string{"result"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of one import job attempt.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"route", "status"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.punches,
		m.rowsSkipped,
		m.attendanceUpserts,
		m.delayOutcomes,
		m.evaluationErrors,
		m.jobs,
		m.jobDuration,
		m.httpRequests,
	)
	return m
}

func (m *Metrics) PunchRecorded(status string) {
	if m == nil {
		return
	}
	m.punches.WithLabelValues(status).Inc()
}

func (m *Metrics) RowsSkipped(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.rowsSkipped.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) AttendanceUpserted() {
	if m == nil {
		return
	}
	m.attendanceUpserts.Inc()
}

func (m *Metrics) DelayEvaluated(outcome string) {
	if m == nil {
		return
	}
	m.delayOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) EvaluationFailed() {
	if m == nil {
		return
	}
	m.evaluationErrors.Inc()
}

func (m *Metrics) JobFinished(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(result).Inc()
	m.jobDuration.Observe(d.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler 统计请求数
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		if m != nil {
			m.httpRequests.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		}
	})
}

// Handler /metrics 暴露端点
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
