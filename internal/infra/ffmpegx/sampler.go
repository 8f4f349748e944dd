package ffmpegx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/John-Robertt/framestamp/internal/domain"
)

func init() {
	ffmpeg.LogCompiledCommand = false
}

// SampleError 表示抽帧失败：ffmpeg 非零退出，或 stderr 上出现任何诊断输出。
// 调用方应把它视为整次运行的致命错误。
type SampleError struct {
	Video  string
	Stderr string
	Err    error
}

func (e *SampleError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	switch {
	case e.Err != nil && msg != "":
		return fmt.Sprintf("ffmpeg 抽帧失败 %s: %v: %s", e.Video, e.Err, msg)
	case e.Err != nil:
		return fmt.Sprintf("ffmpeg 抽帧失败 %s: %v", e.Video, e.Err)
	default:
		return fmt.Sprintf("ffmpeg 抽帧输出诊断信息 %s: %s", e.Video, msg)
	}
}

func (e *SampleError) Unwrap() error { return e.Err }

// IsSampleError 判断 err 链上是否有 *SampleError。
func IsSampleError(err error) bool {
	var se *SampleError
	return errors.As(err, &se)
}

// Sampler 通过 ffmpeg 子进程按固定间隔把一段视频窗口写成 JPEG 序列。
type Sampler struct {
	// Binary 为空时使用 PATH 中的 ffmpeg。
	Binary string
}

// NewSampler 返回默认 Sampler。
func NewSampler() *Sampler { return &Sampler{} }

// Stream 构造抽帧命令：
//
//	ffmpeg -hide_banner -loglevel error -nostdin -ss <start> -i <video> -to <end> -vf fps=1/<every> <out>/img%04d.jpg
//
// 全局参数挂在输入上，保证出现在 -i 之前。
func (s *Sampler) Stream(plan domain.ExtractionPlan) *ffmpeg.Stream {
	in := ffmpeg.KwArgs{
		"hide_banner": "",
		"loglevel":    "error",
		"nostdin":     "",
		"ss":          plan.Start,
	}
	out := ffmpeg.KwArgs{
		"to": plan.End,
		"vf": fpsFilter(plan.Every),
	}
	return ffmpeg.Input(plan.VideoPath, in).
		Output(filepath.Join(plan.OutputDir, plan.Pattern), out)
}

// Sample 阻塞执行抽帧。ctx 取消时杀掉子进程。
// stderr 作为诊断通道：只要有输出就返回 *SampleError，即使退出码为 0。
func (s *Sampler) Sample(ctx context.Context, plan domain.ExtractionPlan) error {
	if strings.TrimSpace(plan.VideoPath) == "" {
		return errors.New("视频路径为空")
	}
	if strings.TrimSpace(plan.OutputDir) == "" || strings.TrimSpace(plan.Pattern) == "" {
		return errors.New("输出路径为空")
	}

	var stdout, stderr bytes.Buffer
	cmd := s.Stream(plan).
		WithOutput(&stdout).
		WithErrorOutput(&stderr).
		Compile()
	if s.Binary != "" {
		cmd.Path = s.Binary
		cmd.Args[0] = s.Binary
		cmd.Err = nil
	}

	if err := runCmd(ctx, cmd); err != nil {
		return &SampleError{Video: plan.VideoPath, Stderr: stderr.String(), Err: err}
	}
	if strings.TrimSpace(stderr.String()) != "" {
		return &SampleError{Video: plan.VideoPath, Stderr: stderr.String()}
	}
	return nil
}

func fpsFilter(every time.Duration) string {
	sec := int(every / time.Second)
	if sec <= 0 {
		sec = 60
	}
	return fmt.Sprintf("fps=1/%d", sec)
}
