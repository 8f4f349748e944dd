package run

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"github.com/John-Robertt/framestamp/internal/app/planner"
	"github.com/John-Robertt/framestamp/internal/domain"
	"github.com/John-Robertt/framestamp/internal/infra/fsx"
	"github.com/John-Robertt/framestamp/internal/infra/imgx"
)

// labelFrames 按文件名顺序处理帧目录中的 img* 图片，结果追加到 res。
// 只有 ctx 取消会返回 error；单帧失败记录后继续下一帧。
func (p *pipeline) labelFrames(ctx context.Context, v domain.VideoFile, frames []domain.FrameFile, res *domain.VideoResult, log *zap.Logger) error {
	raw := make([]domain.FrameFile, 0, len(frames))
	for _, f := range frames {
		if planner.IsRawFrame(f.Name) {
			raw = append(raw, f)
		} else {
			res.Ignored++
		}
	}
	res.Frames = make([]domain.FrameResult, 0, len(raw))

	for i, f := range raw {
		if err := ctx.Err(); err != nil {
			return err
		}
		fr, err := p.labelOne(ctx, f)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		flog := log.With(zap.String("frame", f.Name))
		switch {
		case err != nil:
			flog.Warn("处理帧失败，保留原文件",
				zap.String("kind", string(domain.FrameErrorKindOf(err))),
				zap.Error(err),
			)
		case fr.Status == domain.FrameStatusDuplicate:
			flog.Debug("发现重复帧，已删除", zap.String("label", fr.Label))
		default:
			flog.Debug("已标注", zap.String("dst", fr.Dst))
		}
		p.mx.FrameDone(fr.Status)

		if fr.Status == domain.FrameStatusLabeled && p.deps.Publisher != nil {
			dst := filepath.Join(filepath.Dir(f.Path), fr.Dst)
			key, perr := p.deps.Publisher.Publish(ctx, v.AbsPath, dst)
			p.mx.UploadDone(perr)
			if perr != nil {
				flog.Warn("上传失败", zap.Error(perr))
			} else {
				res.Uploaded++
				flog.Debug("已上传", zap.String("key", key))
			}
		}

		res.Frames = append(res.Frames, fr)
		if p.obs != nil {
			p.obs.OnFrameDone(i+1, len(raw), fr)
		}
	}
	return nil
}

// labelOne：解码 -> 识别（丢弃秒）-> 目标不存在则改名，存在则删除源文件。
// 任何一步失败都返回 *domain.FrameError，源文件保持原样。
func (p *pipeline) labelOne(ctx context.Context, f domain.FrameFile) (domain.FrameResult, error) {
	fr := domain.FrameResult{Src: f.Name, Status: domain.FrameStatusFailed}

	img, err := imgx.DecodeFile(f.Path)
	if err != nil {
		return frameFailed(fr, &domain.FrameError{Kind: domain.FrameErrDecode, Path: f.Path, Err: err})
	}

	t, err := p.deps.Classifier.Classify(ctx, img)
	if err != nil {
		return frameFailed(fr, &domain.FrameError{Kind: domain.FrameErrClassify, Path: f.Path, Err: err})
	}
	fr.Label = strconv.Itoa(t.Hour) + ":" + strconv.Itoa(t.Minute)
	fr.Dst = planner.TargetName(t)
	dst := filepath.Join(filepath.Dir(f.Path), fr.Dst)

	err = fsx.MoveNoOverwrite(f.Path, dst)
	switch {
	case err == nil:
		fr.Status = domain.FrameStatusLabeled
		return fr, nil
	case errors.Is(err, os.ErrExist):
		if err := fsx.Remove(f.Path); err != nil {
			return frameFailed(fr, &domain.FrameError{Kind: domain.FrameErrRename, Path: f.Path, Err: err})
		}
		fr.Status = domain.FrameStatusDuplicate
		return fr, nil
	default:
		return frameFailed(fr, &domain.FrameError{Kind: domain.FrameErrRename, Path: f.Path, Err: err})
	}
}

func frameFailed(fr domain.FrameResult, err *domain.FrameError) (domain.FrameResult, error) {
	fr.Status = domain.FrameStatusFailed
	fr.ErrorKind = err.Kind
	fr.ErrorMsg = err.Error()
	return fr, err
}
