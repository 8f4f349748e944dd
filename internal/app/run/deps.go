package run

import (
	"context"
	"image"
	"time"

	"go.uber.org/zap"

	"github.com/John-Robertt/framestamp/internal/domain"
)

// MetadataReader 读取视频首帧/尾帧/时长。失败时返回带空字段的 VideoMeta 与原因。
type MetadataReader interface {
	ReadMetadata(ctx context.Context, path string) (domain.VideoMeta, error)
}

// Classifier 识别帧上的叠加时钟。同步、无副作用、不重试，输出不做校验。
type Classifier interface {
	Classify(ctx context.Context, img image.Image) (domain.TimeOfDay, error)
}

// Sampler 阻塞执行一次抽帧。任何错误都是整次运行的致命错误。
type Sampler interface {
	Sample(ctx context.Context, plan domain.ExtractionPlan) error
}

// Publisher 把已标注帧发布到外部存储（可选），返回对象键。
type Publisher interface {
	Publish(ctx context.Context, video, framePath string) (string, error)
}

// Metrics 接收运行指标。*metrics.Recorder 满足该接口。
type Metrics interface {
	FrameDone(outcome string)
	VideoDone(status string)
	UploadDone(err error)
	ObserveStage(stage string, d time.Duration)
}

// Deps 是流水线的全部外部依赖。Meta/Classifier/Sampler 必填，其余可为 nil。
type Deps struct {
	Meta       MetadataReader
	Classifier Classifier
	Sampler    Sampler

	Publisher Publisher
	Metrics   Metrics
	Logger    *zap.Logger
}

type nopMetrics struct{}

func (nopMetrics) FrameDone(string)                   {}
func (nopMetrics) VideoDone(string)                   {}
func (nopMetrics) UploadDone(error)                   {}
func (nopMetrics) ObserveStage(string, time.Duration) {}
