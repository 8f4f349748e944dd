package run

import (
	"time"

	"github.com/John-Robertt/framestamp/internal/config"
	"github.com/John-Robertt/framestamp/internal/domain"
)

// Observer 用于把“运行进度/阶段/单帧结果”从核心执行流程中解耦出来。
//
// 约束：
// - run 包只负责发事件，不做任何输出（避免污染 stdout 的 JSON 契约）。
// - 事件全部在调用 Execute 的 goroutine 上同步发出，顺序即处理顺序。
type Observer interface {
	// OnStart 在 Execute 开始时调用，total 为待处理视频数。
	OnStart(eff config.EffectiveConfig, total int)
	// OnVideoStart 在开始处理第 idx 个（从 1 开始）视频时调用。
	OnVideoStart(idx, total int, v domain.VideoFile)
	// OnPhaseDone 在单个视频的某阶段结束时调用：metadata/classify/extract/list/label。
	OnPhaseDone(name string, fields map[string]any, dur time.Duration)
	// OnFrameDone 在每个 img* 帧处理完后调用，用于逐帧进度。
	OnFrameDone(done, total int, res domain.FrameResult)
	// OnVideoDone 在视频处理结束（含跳过/失败）时调用。
	OnVideoDone(idx, total int, res domain.VideoResult, dur time.Duration)
}
