package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder 收集一次运行的指标。方法对 nil 接收者安全，未开启指标时可直接传 nil。
type Recorder struct {
	reg *prometheus.Registry

	Frames        *prometheus.CounterVec
	Videos        *prometheus.CounterVec
	Uploads       *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
}

// New 使用独立的 Registry，避免污染全局默认注册表。
func New() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		reg: reg,
		Frames: f.NewCounterVec(prometheus.CounterOpts{
			Name: "framestamp_frames_total",
			Help: "Extracted frames handled, by outcome",
		}, []string{"outcome"}),
		Videos: f.NewCounterVec(prometheus.CounterOpts{
			Name: "framestamp_videos_total",
			Help: "Videos handled, by status",
		}, []string{"status"}),
		Uploads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "framestamp_uploads_total",
			Help: "Labeled frame uploads, by result",
		}, []string{"result"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "framestamp_stage_duration_seconds",
			Help:    "Duration of each per-video stage",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"stage"}),
	}
}

func (r *Recorder) FrameDone(outcome string) {
	if r == nil {
		return
	}
	r.Frames.WithLabelValues(outcome).Inc()
}

func (r *Recorder) VideoDone(status string) {
	if r == nil {
		return
	}
	r.Videos.WithLabelValues(status).Inc()
}

func (r *Recorder) UploadDone(err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.Uploads.WithLabelValues(result).Inc()
}

func (r *Recorder) ObserveStage(stage string, d time.Duration) {
	if r == nil {
		return
	}
	r.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// WriteTextfile 以 node_exporter textfile 格式原子写出全部指标。
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, r.reg)
}
