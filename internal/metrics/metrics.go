package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GeneratedTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_generated_tokens_total",
		Help: "The total number of tokens produced by the sampler",
	})

	PromptTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_prompt_tokens_total",
		Help: "The total number of prompt positions fed through the layers",
	})

	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_requests_total",
		Help: "Generation requests by termination reason",
	}, []string{"reason"})

	DecodeStepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quiver_decode_step_seconds",
		Help:    "Wall time of one decode step across all layers and the post head",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	PrefillDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quiver_prefill_seconds",
		Help:    "Wall time of a multi-position prefill pass",
		Buckets: prometheus.DefBuckets,
	})

	LayerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quiver_layer_forward_seconds",
		Help:    "Histogram of single layer forward passes",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
	}, []string{"device", "phase"})

	HandoffTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_handoff_total",
		Help: "Activation hand-offs by copy path",
	}, []string{"path"})

	HandoffBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_handoff_bytes_total",
		Help: "Bytes moved by activation hand-offs",
	}, []string{"path"})

	KVCacheSlotsUsed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quiver_kv_cache_slots_used",
		Help: "Committed KV cache slots",
	})

	KVCacheSlotsCapacity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quiver_kv_cache_slots_capacity",
		Help: "KV cache slots available per layer",
	})

	DeviceQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quiver_device_queue_depth",
		Help: "Operations waiting in a device actor mailbox",
	}, []string{"device"})

	DeviceFreeBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quiver_device_free_bytes",
		Help: "Free memory reported by a device",
	}, []string{"device"})

	DeviceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_device_errors_total",
		Help: "Failed device operations",
	}, []string{"device"})

	CancellationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_cancellations_total",
		Help: "Requests stopped by the cooperative cancel flag",
	})

	TokenizerRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_tokenizer_retries_total",
		Help: "Tokenizer calls that needed another attempt",
	}, []string{"endpoint"})

	TokensPerSecond = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quiver_tokens_per_second",
		Help: "Decode rate of the most recent request",
	})
)

func deviceLabel(id int) string {
	return strconv.Itoa(id)
}

// RecordRequest records a finished request.
func RecordRequest(reason string, generated int, elapsed time.Duration) {
	RequestsTotal.WithLabelValues(reason).Inc()
	GeneratedTokensTotal.Add(float64(generated))
	if elapsed > 0 {
		TokensPerSecond.Set(float64(generated) / elapsed.Seconds())
	}
}

func RecordPromptTokens(n int) {
	PromptTokensTotal.Add(float64(n))
}

func RecordDecodeStep(d time.Duration) {
	DecodeStepDuration.Observe(d.Seconds())
}

func RecordPrefill(d time.Duration) {
	PrefillDuration.Observe(d.Seconds())
}

func RecordLayer(device int, phase string, d time.Duration) {
	LayerDuration.WithLabelValues(deviceLabel(device), phase).Observe(d.Seconds())
}

func RecordHandoff(path string, bytes int) {
	HandoffTotal.WithLabelValues(path).Inc()
	HandoffBytes.WithLabelValues(path).Add(float64(bytes))
}

func RecordKVCacheStats(capacity, used int) {
	KVCacheSlotsCapacity.Set(float64(capacity))
	KVCacheSlotsUsed.Set(float64(used))
}

func RecordQueueDepth(device, depth int) {
	DeviceQueueDepth.WithLabelValues(deviceLabel(device)).Set(float64(depth))
}

func RecordDeviceFree(device int, bytes int64) {
	DeviceFreeBytes.WithLabelValues(deviceLabel(device)).Set(float64(bytes))
}

func RecordDeviceError(device int) {
	DeviceErrors.WithLabelValues(deviceLabel(device)).Inc()
}

func RecordCancellation() {
	CancellationsTotal.Inc()
}

func RecordTokenizerRetry(endpoint string) {
	TokenizerRetries.WithLabelValues(endpoint).Inc()
}
