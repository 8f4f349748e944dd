package run

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/John-Robertt/framestamp/internal/config"
	"github.com/John-Robertt/framestamp/internal/domain"
)

// sizeClassifier 把图片宽高当作时、分；首帧（宽度 1000 以上）的秒取 宽-1000。
type sizeClassifier struct {
	mu    sync.Mutex
	calls int
	// failW 中的宽度识别失败
	failW map[int]bool
}

func (c *sizeClassifier) Classify(_ context.Context, img image.Image) (domain.TimeOfDay, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if c.failW[w] {
		return domain.TimeOfDay{}, errors.New("no digits found")
	}
	if w >= 1000 {
		return domain.TimeOfDay{Hour: 7, Minute: 0, Second: w - 1000}, nil
	}
	return domain.TimeOfDay{Hour: w, Minute: h, Second: 59}, nil
}

// firstFrame 构造首帧：宽度 1000+s 表示首帧时钟秒数为 s。
func firstFrame(s int) image.Image { return image.NewGray(image.Rect(0, 0, 1000+s, 1)) }

type fakeMeta struct {
	metas map[string]domain.VideoMeta
	errs  map[string]error
	calls []string
}

func (m *fakeMeta) ReadMetadata(_ context.Context, path string) (domain.VideoMeta, error) {
	m.calls = append(m.calls, filepath.Base(path))
	return m.metas[filepath.Base(path)], m.errs[filepath.Base(path)]
}

// fakeSampler 按视频名写出预设尺寸的 JPEG（宽=时，高=分），或写入非 JPEG 内容。
type fakeSampler struct {
	t      *testing.T
	frames map[string][]frameSpec
	errs   map[string]error
	plans  []domain.ExtractionPlan
	hook   func(plan domain.ExtractionPlan)
}

type frameSpec struct {
	name    string
	w, h    int
	corrupt bool
}

func (s *fakeSampler) Sample(_ context.Context, plan domain.ExtractionPlan) error {
	s.plans = append(s.plans, plan)
	if s.hook != nil {
		s.hook(plan)
	}
	video := filepath.Base(plan.VideoPath)
	if err := s.errs[video]; err != nil {
		return err
	}
	for _, f := range s.frames[video] {
		path := filepath.Join(plan.OutputDir, f.name)
		if f.corrupt {
			writeFile(s.t, path, []byte("not a jpeg"))
			continue
		}
		writeJPEG(s.t, path, f.w, f.h)
	}
	return nil
}

type fakePublisher struct {
	keys []string
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, video, framePath string) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	key := filepath.Base(video) + "/" + filepath.Base(framePath)
	p.keys = append(p.keys, key)
	return key, nil
}

type recordMetrics struct {
	frames map[string]int
	videos map[string]int
	stages []string
}

func newRecordMetrics() *recordMetrics {
	return &recordMetrics{frames: map[string]int{}, videos: map[string]int{}}
}

func (m *recordMetrics) FrameDone(outcome string) { m.frames[outcome]++ }
func (m *recordMetrics) VideoDone(status string)  { m.videos[status]++ }
func (m *recordMetrics) UploadDone(error)         {}
func (m *recordMetrics) ObserveStage(stage string, _ time.Duration) {
	m.stages = append(m.stages, stage)
}

type recordObserver struct {
	startCalls  int
	startTotal  int
	videoStarts []string
	phases      []string
	frames      []string
	videoDone   []string
}

func (o *recordObserver) OnStart(_ config.EffectiveConfig, total int) {
	o.startCalls++
	o.startTotal = total
}

func (o *recordObserver) OnVideoStart(idx, total int, v domain.VideoFile) {
	o.videoStarts = append(o.videoStarts, fmt.Sprintf("%d/%d %s", idx, total, v.Name))
}

func (o *recordObserver) OnPhaseDone(name string, _ map[string]any, _ time.Duration) {
	o.phases = append(o.phases, name)
}

func (o *recordObserver) OnFrameDone(done, total int, res domain.FrameResult) {
	o.frames = append(o.frames, fmt.Sprintf("%d/%d %s %s", done, total, res.Src, res.Status))
}

func (o *recordObserver) OnVideoDone(_, _ int, res domain.VideoResult, _ time.Duration) {
	o.videoDone = append(o.videoDone, filepath.Base(res.Path)+" "+res.Status)
}

type env struct {
	eff    config.EffectiveConfig
	videos []domain.VideoFile
}

// newEnv 建立 videos/frames 目录，并按给定名字创建空视频文件（按名字排序）。
func newEnv(t *testing.T, names ...string) env {
	t.Helper()
	root := t.TempDir()
	e := env{eff: config.EffectiveConfig{
		VideosDir: filepath.Join(root, "videos"),
		FramesDir: filepath.Join(root, "frames"),
		Second:    "00",
	}}
	mustMkdir(t, e.eff.VideosDir)
	mustMkdir(t, e.eff.FramesDir)
	for _, n := range names {
		p := filepath.Join(e.eff.VideosDir, n)
		writeFile(t, p, []byte("x"))
		e.videos = append(e.videos, domain.VideoFile{AbsPath: p, Name: n})
	}
	return e
}

func okMeta(first int, d domain.TimeOfDay) domain.VideoMeta {
	return domain.VideoMeta{
		First:    firstFrame(first),
		Last:     image.NewGray(image.Rect(0, 0, 1, 1)),
		Duration: d,
	}
}

func writeJPEG(t *testing.T, path string, w, h int) {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h)), nil); err != nil {
		t.Fatalf("编码 jpeg 失败：%v", err)
	}
	writeFile(t, path, buf.Bytes())
}

func writeFile(t *testing.T, path string, b []byte) {
	t.Helper()
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("写文件失败：%v", err)
	}
}

func mustMkdir(t *testing.T, p string) {
	t.Helper()
	if err := os.MkdirAll(p, 0o755); err != nil {
		t.Fatalf("mkdir 失败：%v", err)
	}
}

func listNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("读目录失败：%v", err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out
}
