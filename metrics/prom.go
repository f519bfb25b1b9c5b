package metrics
import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)
var (
	PastaInserted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastabin_pasta_inserted_total",
		Help: "no. of pastas inserted",
	})
	PastaUpdated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastabin_pasta_updated_total",
		Help: "no. of pasta updates written through",
	})
	PastaRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastabin_pasta_removed_total",
			Help: "no. of pastas removed, by cause",
		},
		[]string{"cause"},
	)
	PastaViewed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastabin_pasta_viewed_total",
		Help: "no. of successful views",
	})
	LivePastas = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pastabin_live_pastas",
		Help: "pastas held in memory after the last sweep",
	})
	OrphanedDeletes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pastabin_orphaned_deletes",
		Help: "expired ids evicted from memory whose durable delete is pending retry",
	})
	TokenCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastabin_token_cache_hits_total",
		Help: "no. of token decode cache hits",
	})
	TokenCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastabin_token_cache_misses_total",
		Help: "no. of token decode cache misses",
	})
	AuthPrompts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastabin_auth_prompts_total",
			Help: "no. of requests redirected to an auth prompt",
		},
		[]string{"path"},
	)
	ConfirmMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastabin_confirm_mismatch_total",
		Help: "no. of removal attempts with a wrong confirmation word",
	})
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastabin_store_errors_total",
			Help: "no. of durable store failures",
		},
		[]string{"op"},
	)
	AttachmentCleanupErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastabin_attachment_cleanup_errors_total",
		Help: "no. of attachment files or directories that could not be removed",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pastabin_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastabin_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	PruneCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastabin_prune_cycles_total",
		Help: "no. of background sweep cycles",
	})
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pastabin_recent_error_rate_percent",
		Help: "5min rolling avg error rate percentage",
	})
)
