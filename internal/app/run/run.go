package run

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/John-Robertt/framestamp/internal/app/planner"
	"github.com/John-Robertt/framestamp/internal/config"
	"github.com/John-Robertt/framestamp/internal/domain"
	"github.com/John-Robertt/framestamp/internal/scan"
)

// Execute 按给定顺序逐个处理视频，并返回对外稳定的 RunReport。
//
// 视频级问题（元数据缺失、首帧识别失败、没有抽出帧）只跳过该视频；
// 帧级问题只放弃该帧。抽帧失败或 ctx 取消会终止整次运行：
// 此时 report.Aborted=true，剩余视频不再处理，并返回对应 error。
func Execute(ctx context.Context, eff config.EffectiveConfig, videos []domain.VideoFile, deps Deps, obs Observer) (domain.RunReport, error) {
	rr := domain.RunReport{
		RunID:     uuid.NewString(),
		VideosDir: eff.VideosDir,
		FramesDir: eff.FramesDir,
		StartedAt: time.Now().UTC(),
		Videos:    make([]domain.VideoResult, 0, len(videos)),
	}

	if deps.Meta == nil || deps.Classifier == nil || deps.Sampler == nil {
		err := errors.New("run: Meta/Classifier/Sampler 不能为空")
		rr.FinishedAt = time.Now().UTC()
		rr.Aborted = true
		rr.ErrorCode = domain.ErrCodeRunFailed
		rr.ErrorMsg = err.Error()
		rr.Finalize()
		return rr, err
	}

	p := &pipeline{
		eff:  eff,
		deps: deps,
		obs:  obs,
		log:  deps.Logger,
		mx:   deps.Metrics,
	}
	if p.log == nil {
		p.log = zap.NewNop()
	}
	if p.mx == nil {
		p.mx = nopMetrics{}
	}
	p.log = p.log.With(zap.String("run_id", rr.RunID))

	if obs != nil {
		obs.OnStart(eff, len(videos))
	}
	p.log.Info("开始处理",
		zap.Int("videos", len(videos)),
		zap.String("videos_dir", eff.VideosDir),
		zap.String("frames_dir", eff.FramesDir),
		zap.String("second", eff.Second),
	)

	var fatal error
	for i, v := range videos {
		idx := i + 1
		if obs != nil {
			obs.OnVideoStart(idx, len(videos), v)
		}
		started := time.Now()
		res, err := p.processVideo(ctx, v)
		dur := time.Since(started)

		rr.Videos = append(rr.Videos, res)
		p.mx.VideoDone(res.Status)
		if obs != nil {
			obs.OnVideoDone(idx, len(videos), res, dur)
		}
		if err != nil {
			fatal = err
			rr.ErrorCode = res.ErrorCode
			rr.ErrorMsg = err.Error()
			break
		}
	}

	rr.Aborted = fatal != nil
	rr.FinishedAt = time.Now().UTC()
	rr.Finalize()

	p.log.Info("处理结束",
		zap.Bool("aborted", rr.Aborted),
		zap.Int("processed", rr.Summary.Processed),
		zap.Int("skipped", rr.Summary.Skipped),
		zap.Int("failed", rr.Summary.Failed),
		zap.Int("labeled", rr.Summary.Labeled),
		zap.Int("duplicates", rr.Summary.Duplicates),
		zap.Int("frame_failed", rr.Summary.FrameFailed),
	)
	return rr, fatal
}

type pipeline struct {
	eff  config.EffectiveConfig
	deps Deps
	obs  Observer
	log  *zap.Logger
	mx   Metrics
}

func (p *pipeline) phaseDone(name string, fields map[string]any, dur time.Duration) {
	p.mx.ObserveStage(name, dur)
	if p.obs != nil {
		p.obs.OnPhaseDone(name, fields, dur)
	}
}

// processVideo 的状态机：metadata -> classify -> extract -> list -> label。
// 返回的 error 只用于致命错误（抽帧失败、取消）。
func (p *pipeline) processVideo(ctx context.Context, v domain.VideoFile) (domain.VideoResult, error) {
	log := p.log.With(zap.String("video", v.AbsPath))
	res := domain.VideoResult{Path: v.AbsPath, Status: domain.StatusProcessed}

	if err := ctx.Err(); err != nil {
		return canceled(res, err), err
	}

	// 1) 元数据
	started := time.Now()
	meta, err := p.deps.Meta.ReadMetadata(ctx, v.AbsPath)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return canceled(res, ctxErr), ctxErr
	}
	res.Duration = meta.Duration
	p.phaseDone("metadata", map[string]any{
		"duration": meta.Duration.String(),
		"fps":      meta.FPS,
		"frames":   meta.FrameCount,
		"first":    meta.HasFirst(),
		"last":     meta.HasLast(),
	}, time.Since(started))
	if err != nil {
		log.Warn("读取元数据不完整", zap.Error(err))
	}
	log.Info("视频时长",
		zap.Int("hour", meta.Duration.Hour),
		zap.Int("minute", meta.Duration.Minute),
		zap.Int("second", meta.Duration.Second),
	)
	if !meta.HasFirst() {
		msg := "首帧不可用"
		if err != nil {
			msg = fmt.Sprintf("首帧不可用：%v", err)
		}
		return skipped(res, domain.ErrCodeMetadataUnavailable, msg), nil
	}
	if !meta.HasLast() {
		log.Debug("尾帧不可用，继续处理")
	}

	// 2) 首帧时钟
	started = time.Now()
	first, err := p.deps.Classifier.Classify(ctx, meta.First)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return canceled(res, ctxErr), ctxErr
	}
	p.phaseDone("classify", map[string]any{"ok": err == nil}, time.Since(started))
	if err != nil {
		log.Warn("首帧识别失败，跳过视频", zap.Error(err))
		return skipped(res, domain.ErrCodeClassifyFailed, fmt.Sprintf("首帧识别失败：%v", err)), nil
	}
	res.FirstStamp = &first

	// 3) 抽帧
	plan := planner.PlanExtraction(v, meta.Duration, first, p.eff.FramesDir)
	res.Window = domain.Window{Start: plan.Start, End: plan.End}
	log.Info("抽帧",
		zap.String("start", plan.Start),
		zap.String("end", plan.End),
		zap.Duration("every", plan.Every),
	)
	started = time.Now()
	err = p.deps.Sampler.Sample(ctx, plan)
	p.phaseDone("extract", map[string]any{"start": plan.Start, "end": plan.End}, time.Since(started))
	if ctxErr := ctx.Err(); ctxErr != nil {
		return canceled(res, ctxErr), ctxErr
	}
	if err != nil {
		log.Error("抽帧失败，终止运行", zap.Error(err))
		res.Status = domain.StatusFailed
		res.ErrorCode = domain.ErrCodeExtractFailed
		res.ErrorMsg = err.Error()
		return res, fmt.Errorf("抽帧 %s: %w", v.Name, err)
	}

	// 4) 列出帧目录
	started = time.Now()
	frames, err := scan.ListFrames(p.eff.FramesDir)
	p.phaseDone("list", map[string]any{"frames": len(frames)}, time.Since(started))
	if err != nil {
		log.Warn("列出帧目录失败，跳过视频", zap.Error(err))
		return skipped(res, domain.ErrCodeListFailed, err.Error()), nil
	}
	if len(frames) == 0 {
		log.Warn("帧目录下没有图片")
		return skipped(res, domain.ErrCodeNoFrames, "帧目录下没有 .jpg 图片"), nil
	}

	// 5) 逐帧识别并改名
	started = time.Now()
	if err := p.labelFrames(ctx, v, frames, &res, log); err != nil {
		return canceled(res, err), err
	}
	var labeled, dup, failed int
	for _, f := range res.Frames {
		switch f.Status {
		case domain.FrameStatusLabeled:
			labeled++
		case domain.FrameStatusDuplicate:
			dup++
		case domain.FrameStatusFailed:
			failed++
		}
	}
	p.phaseDone("label", map[string]any{
		"labeled":    labeled,
		"duplicates": dup,
		"failed":     failed,
		"ignored":    res.Ignored,
		"uploaded":   res.Uploaded,
	}, time.Since(started))

	return res, nil
}

func skipped(res domain.VideoResult, code, msg string) domain.VideoResult {
	res.Status = domain.StatusSkipped
	res.ErrorCode = code
	res.ErrorMsg = msg
	return res
}

func canceled(res domain.VideoResult, err error) domain.VideoResult {
	res.Status = domain.StatusFailed
	res.ErrorCode = domain.ErrCodeCanceled
	res.ErrorMsg = err.Error()
	return res
}
