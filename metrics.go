package gearman

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gearman_client"

type statsExporter struct {
	submitOk      *uint64
	submitErr     *uint64
	jobsOk        *uint64
	jobsErr       *uint64
	jobsException *uint64
	jobsRetried   *uint64

	submitOkDesc      *prometheus.Desc
	submitErrDesc     *prometheus.Desc
	jobsOkDesc        *prometheus.Desc
	jobsErrDesc       *prometheus.Desc
	jobsExceptionDesc *prometheus.Desc
	jobsRetriedDesc   *prometheus.Desc

	submitLatencyHistogram *prometheus.HistogramVec
}

// MetricsCollector exposes the client's counters for registration in the
// caller's prometheus registry.
func (c *Client) MetricsCollector() []prometheus.Collector {
	return []prometheus.Collector{c.metrics}
}

func newStatsExporter() *statsExporter {
	return &statsExporter{
		submitOk:      toPtr(uint64(0)),
		submitErr:     toPtr(uint64(0)),
		jobsOk:        toPtr(uint64(0)),
		jobsErr:       toPtr(uint64(0)),
		jobsException: toPtr(uint64(0)),
		jobsRetried:   toPtr(uint64(0)),

		submitOkDesc:      prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "submit_ok"), "Number of successful job submissions", nil, nil),
		submitErrDesc:     prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "submit_err"), "Number of job submissions which failed", nil, nil),
		jobsOkDesc:        prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "jobs_ok"), "Number of jobs completed by workers", nil, nil),
		jobsErrDesc:       prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "jobs_err"), "Number of jobs which reached the failed state", nil, nil),
		jobsExceptionDesc: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "jobs_exception"), "Number of jobs whose worker died with a message", nil, nil),
		jobsRetriedDesc:   prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "jobs_retried"), "Number of job re-dispatches after a worker failure", nil, nil),

		submitLatencyHistogram: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: prometheus.BuildFQName(namespace, "", "submit_latency"),
			Help: "Histogram represents latency of the submit round-trip",
		}, []string{"function"}),
	}
}

func (se *statsExporter) CountSubmitOk() {
	atomic.AddUint64(se.submitOk, 1)
}

func (se *statsExporter) CountSubmitErr() {
	atomic.AddUint64(se.submitErr, 1)
}

func (se *statsExporter) CountJobOk() {
	atomic.AddUint64(se.jobsOk, 1)
}

func (se *statsExporter) CountJobErr() {
	atomic.AddUint64(se.jobsErr, 1)
}

func (se *statsExporter) CountJobException() {
	atomic.AddUint64(se.jobsException, 1)
}

func (se *statsExporter) CountJobRetry() {
	atomic.AddUint64(se.jobsRetried, 1)
}

func (se *statsExporter) ObserveSubmit(fn string, elapsed time.Duration) {
	se.submitLatencyHistogram.WithLabelValues(fn).Observe(elapsed.Seconds())
}

func (se *statsExporter) Describe(d chan<- *prometheus.Desc) {
	d <- se.submitOkDesc
	d <- se.submitErrDesc
	d <- se.jobsOkDesc
	d <- se.jobsErrDesc
	d <- se.jobsExceptionDesc
	d <- se.jobsRetriedDesc

	se.submitLatencyHistogram.Describe(d)
}

func (se *statsExporter) Collect(ch chan<- prometheus.Metric) {
	// send the values to the prometheus
	ch <- prometheus.MustNewConstMetric(se.submitOkDesc, prometheus.GaugeValue, float64(atomic.LoadUint64(se.submitOk)))
	ch <- prometheus.MustNewConstMetric(se.submitErrDesc, prometheus.GaugeValue, float64(atomic.LoadUint64(se.submitErr)))
	ch <- prometheus.MustNewConstMetric(se.jobsOkDesc, prometheus.GaugeValue, float64(atomic.LoadUint64(se.jobsOk)))
	ch <- prometheus.MustNewConstMetric(se.jobsErrDesc, prometheus.GaugeValue, float64(atomic.LoadUint64(se.jobsErr)))
	ch <- prometheus.MustNewConstMetric(se.jobsExceptionDesc, prometheus.GaugeValue, float64(atomic.LoadUint64(se.jobsException)))
	ch <- prometheus.MustNewConstMetric(se.jobsRetriedDesc, prometheus.GaugeValue, float64(atomic.LoadUint64(se.jobsRetried)))

	se.submitLatencyHistogram.Collect(ch)
}

func toPtr[T any](v T) *T {
	return &v
}
