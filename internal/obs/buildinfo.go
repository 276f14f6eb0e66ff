package obs

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "truxe_build_info",
			Help: "Truxe auth core build information. Always 1.",
		},
		[]string{"version", "commit", "goversion"},
	)
	startTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "truxe_start_time_seconds",
		Help: "Unix time the process started serving.",
	})
)

// InitBuildInfo registers the build gauges once and records the running binary.
func InitBuildInfo(version, commit string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo, startTime)
	})
	buildInfo.WithLabelValues(version, commit, runtime.Version()).Set(1)
	startTime.Set(float64(time.Now().Unix()))
}
