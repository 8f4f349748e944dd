package run

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/John-Robertt/framestamp/internal/domain"
)

func TestExecute_LabelsRenamesAndDedupes(t *testing.T) {
	e := newEnv(t, "a.mp4")
	// 已存在的目标不能被覆盖；非 img 文件保持不动。
	writeFile(t, filepath.Join(e.eff.FramesDir, "9:41:00.jpg"), []byte("keep"))
	writeFile(t, filepath.Join(e.eff.FramesDir, "notes.jpg"), []byte("notes"))

	sampler := &fakeSampler{t: t, frames: map[string][]frameSpec{
		"a.mp4": {
			{name: "img0001.jpg", w: 9, h: 41},
			{name: "img0002.jpg", w: 9, h: 42},
			{name: "img0003.jpg", w: 9, h: 42},
		},
	}}
	deps := Deps{
		Meta:       &fakeMeta{metas: map[string]domain.VideoMeta{"a.mp4": okMeta(5, domain.TimeOfDay{Hour: 1, Minute: 2, Second: 3})}},
		Classifier: &sizeClassifier{},
		Sampler:    sampler,
	}

	rr, err := Execute(context.Background(), e.eff, e.videos, deps, nil)
	require.NoError(t, err)
	assert.False(t, rr.Aborted)
	assert.NotEmpty(t, rr.RunID)

	require.Len(t, sampler.plans, 1)
	plan := sampler.plans[0]
	assert.Equal(t, "00:00:85", plan.Start)
	assert.Equal(t, "1:2:30", plan.End)
	assert.Equal(t, 60*time.Second, plan.Every)
	assert.Equal(t, e.eff.FramesDir, plan.OutputDir)
	assert.Equal(t, "img%04d.jpg", plan.Pattern)
	assert.Equal(t, e.videos[0].AbsPath, plan.VideoPath)

	assert.ElementsMatch(t, []string{"9:41:00.jpg", "9:42:00.jpg", "notes.jpg"}, listNames(t, e.eff.FramesDir))
	b, err := os.ReadFile(filepath.Join(e.eff.FramesDir, "9:41:00.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "keep", string(b))

	require.Len(t, rr.Videos, 1)
	v := rr.Videos[0]
	assert.Equal(t, domain.StatusProcessed, v.Status)
	assert.Equal(t, domain.Window{Start: "00:00:85", End: "1:2:30"}, v.Window)
	assert.Equal(t, domain.TimeOfDay{Hour: 1, Minute: 2, Second: 3}, v.Duration)
	require.NotNil(t, v.FirstStamp)
	assert.Equal(t, 5, v.FirstStamp.Second)
	assert.Equal(t, 2, v.Ignored) // notes.jpg + 已存在的 9:41:00.jpg

	require.Len(t, v.Frames, 3)
	assert.Equal(t, domain.FrameResult{Src: "img0001.jpg", Dst: "9:41:00.jpg", Label: "9:41", Status: domain.FrameStatusDuplicate}, v.Frames[0])
	assert.Equal(t, domain.FrameResult{Src: "img0002.jpg", Dst: "9:42:00.jpg", Label: "9:42", Status: domain.FrameStatusLabeled}, v.Frames[1])
	assert.Equal(t, domain.FrameStatusDuplicate, v.Frames[2].Status)

	assert.Equal(t, 1, rr.Summary.Processed)
	assert.Equal(t, 1, rr.Summary.Labeled)
	assert.Equal(t, 2, rr.Summary.Duplicates)
}

func TestExecute_PerFrameLogsStayBelowInfo(t *testing.T) {
	e := newEnv(t, "a.mp4")
	writeFile(t, filepath.Join(e.eff.FramesDir, "9:41:00.jpg"), []byte("keep"))

	core, logs := observer.New(zapcore.DebugLevel)
	deps := Deps{
		Meta:       &fakeMeta{metas: map[string]domain.VideoMeta{"a.mp4": okMeta(5, domain.TimeOfDay{Hour: 1})}},
		Classifier: &sizeClassifier{},
		Sampler: &fakeSampler{t: t, frames: map[string][]frameSpec{
			"a.mp4": {
				{name: "img0001.jpg", w: 9, h: 41},
				{name: "img0002.jpg", w: 9, h: 42},
			},
		}},
		Logger: zap.New(core),
	}

	rr, err := Execute(context.Background(), e.eff, e.videos, deps, nil)
	require.NoError(t, err)
	require.Equal(t, 1, rr.Summary.Duplicates)

	// 逐帧日志（重复/已标注）只在 Debug 级别输出，避免在终端上打断进度条。
	dup := logs.FilterMessage("发现重复帧，已删除").All()
	require.Len(t, dup, 1)
	assert.Equal(t, zapcore.DebugLevel, dup[0].Level)
	for _, entry := range logs.FilterField(zap.String("frame", "img0002.jpg")).All() {
		assert.Equal(t, zapcore.DebugLevel, entry.Level, entry.Message)
	}
}

func TestExecute_ProcessesInGivenOrderWithLiteralWindows(t *testing.T) {
	e := newEnv(t, "a.mp4", "b.mp4", "c.mp4")
	meta := &fakeMeta{metas: map[string]domain.VideoMeta{
		"a.mp4": okMeta(0, domain.TimeOfDay{Hour: 0, Minute: 59, Second: 59}),
		"b.mp4": okMeta(95, domain.TimeOfDay{Hour: 25, Minute: 0, Second: 0}),
		"c.mp4": okMeta(30, domain.TimeOfDay{Hour: 2, Minute: 5, Second: 0}),
	}}
	sampler := &fakeSampler{t: t}
	deps := Deps{Meta: meta, Classifier: &sizeClassifier{}, Sampler: sampler}

	rr, err := Execute(context.Background(), e.eff, e.videos, deps, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"a.mp4", "b.mp4", "c.mp4"}, meta.calls)
	require.Len(t, sampler.plans, 3)
	assert.Equal(t, [2]string{"00:00:90", "0:59:30"}, [2]string{sampler.plans[0].Start, sampler.plans[0].End})
	assert.Equal(t, [2]string{"00:00:-5", "25:0:30"}, [2]string{sampler.plans[1].Start, sampler.plans[1].End})
	assert.Equal(t, [2]string{"00:00:60", "2:5:30"}, [2]string{sampler.plans[2].Start, sampler.plans[2].End})

	// 没有抽出帧：逐个跳过但不中断
	require.Len(t, rr.Videos, 3)
	for _, v := range rr.Videos {
		assert.Equal(t, domain.StatusSkipped, v.Status)
		assert.Equal(t, domain.ErrCodeNoFrames, v.ErrorCode)
	}
}

func TestExecute_FrameFailuresLeaveFileAndContinue(t *testing.T) {
	e := newEnv(t, "a.mp4")
	// 目标名被目录占用 -> rename_failed
	mustMkdir(t, filepath.Join(e.eff.FramesDir, "9:43:00.jpg"))

	sampler := &fakeSampler{t: t, frames: map[string][]frameSpec{
		"a.mp4": {
			{name: "img0001.jpg", corrupt: true},
			{name: "img0002.jpg", w: 13, h: 1},
			{name: "img0003.jpg", w: 9, h: 43},
			{name: "img0004.jpg", w: 9, h: 44},
		},
	}}
	deps := Deps{
		Meta:       &fakeMeta{metas: map[string]domain.VideoMeta{"a.mp4": okMeta(0, domain.TimeOfDay{Hour: 1})}},
		Classifier: &sizeClassifier{failW: map[int]bool{13: true}},
		Sampler:    sampler,
	}

	rr, err := Execute(context.Background(), e.eff, e.videos, deps, nil)
	require.NoError(t, err)

	v := rr.Videos[0]
	assert.Equal(t, domain.StatusProcessed, v.Status)
	require.Len(t, v.Frames, 4)
	assert.Equal(t, domain.FrameErrDecode, v.Frames[0].ErrorKind)
	assert.Equal(t, domain.FrameErrClassify, v.Frames[1].ErrorKind)
	assert.Equal(t, domain.FrameErrRename, v.Frames[2].ErrorKind)
	assert.Equal(t, domain.FrameStatusLabeled, v.Frames[3].Status)
	for _, f := range v.Frames[:3] {
		assert.Equal(t, domain.FrameStatusFailed, f.Status)
		assert.NotEmpty(t, f.ErrorMsg)
	}

	assert.ElementsMatch(t,
		[]string{"img0001.jpg", "img0002.jpg", "img0003.jpg", "9:43:00.jpg", "9:44:00.jpg"},
		listNames(t, e.eff.FramesDir))
	assert.Equal(t, 3, rr.Summary.FrameFailed)
}

func TestExecute_SamplerErrorAbortsRun(t *testing.T) {
	e := newEnv(t, "a.mp4", "b.mp4")
	boom := errors.New("ffmpeg: Invalid duration specification")
	meta := &fakeMeta{metas: map[string]domain.VideoMeta{
		"a.mp4": okMeta(0, domain.TimeOfDay{Hour: 1}),
		"b.mp4": okMeta(0, domain.TimeOfDay{Hour: 1}),
	}}
	deps := Deps{
		Meta:       meta,
		Classifier: &sizeClassifier{},
		Sampler:    &fakeSampler{t: t, errs: map[string]error{"a.mp4": boom}},
	}

	rr, err := Execute(context.Background(), e.eff, e.videos, deps, nil)
	require.ErrorIs(t, err, boom)
	assert.True(t, rr.Aborted)
	assert.Equal(t, domain.ErrCodeExtractFailed, rr.ErrorCode)
	assert.Equal(t, []string{"a.mp4"}, meta.calls)
	require.Len(t, rr.Videos, 1)
	assert.Equal(t, domain.StatusFailed, rr.Videos[0].Status)
	assert.Equal(t, domain.ErrCodeExtractFailed, rr.Videos[0].ErrorCode)
	assert.Equal(t, 1, rr.Summary.Failed)
}

func TestExecute_VideoLevelSkips(t *testing.T) {
	e := newEnv(t, "a.mp4", "b.mp4", "c.mp4")
	noLast := okMeta(0, domain.TimeOfDay{Hour: 1})
	noLast.Last = nil
	failFirst := okMeta(7, domain.TimeOfDay{Hour: 1})

	sampler := &fakeSampler{t: t, frames: map[string][]frameSpec{
		"c.mp4": {{name: "img0001.jpg", w: 3, h: 4}},
	}}
	deps := Deps{
		Meta: &fakeMeta{
			metas: map[string]domain.VideoMeta{"b.mp4": failFirst, "c.mp4": noLast},
			errs:  map[string]error{"a.mp4": errors.New("moov atom not found")},
		},
		Classifier: &sizeClassifier{failW: map[int]bool{1007: true}},
		Sampler:    sampler,
	}

	rr, err := Execute(context.Background(), e.eff, e.videos, deps, nil)
	require.NoError(t, err)
	require.Len(t, rr.Videos, 3)

	assert.Equal(t, domain.StatusSkipped, rr.Videos[0].Status)
	assert.Equal(t, domain.ErrCodeMetadataUnavailable, rr.Videos[0].ErrorCode)
	assert.Contains(t, rr.Videos[0].ErrorMsg, "moov atom")

	assert.Equal(t, domain.StatusSkipped, rr.Videos[1].Status)
	assert.Equal(t, domain.ErrCodeClassifyFailed, rr.Videos[1].ErrorCode)

	// 尾帧缺失不影响处理
	assert.Equal(t, domain.StatusProcessed, rr.Videos[2].Status)
	require.Len(t, sampler.plans, 1)
	assert.Equal(t, e.videos[2].AbsPath, sampler.plans[0].VideoPath)
	assert.Equal(t, []string{"3:4:00.jpg"}, listNames(t, e.eff.FramesDir))
}

func TestExecute_CanceledStopsRun(t *testing.T) {
	e := newEnv(t, "a.mp4", "b.mp4")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sampler := &fakeSampler{t: t, hook: func(domain.ExtractionPlan) { cancel() }}
	deps := Deps{
		Meta: &fakeMeta{metas: map[string]domain.VideoMeta{
			"a.mp4": okMeta(0, domain.TimeOfDay{Hour: 1}),
			"b.mp4": okMeta(0, domain.TimeOfDay{Hour: 1}),
		}},
		Classifier: &sizeClassifier{},
		Sampler:    sampler,
	}

	rr, err := Execute(ctx, e.eff, e.videos, deps, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, rr.Aborted)
	assert.Equal(t, domain.ErrCodeCanceled, rr.ErrorCode)
	require.Len(t, rr.Videos, 1)
	assert.Equal(t, domain.ErrCodeCanceled, rr.Videos[0].ErrorCode)
}

func TestExecute_ObserverMetricsAndPublisher(t *testing.T) {
	e := newEnv(t, "a.mp4", "b.mp4")
	sampler := &fakeSampler{t: t, frames: map[string][]frameSpec{
		"a.mp4": {
			{name: "img0001.jpg", w: 9, h: 41},
			{name: "img0002.jpg", w: 9, h: 41},
		},
	}}
	pub := &fakePublisher{}
	mx := newRecordMetrics()
	obs := &recordObserver{}
	deps := Deps{
		Meta: &fakeMeta{metas: map[string]domain.VideoMeta{
			"a.mp4": okMeta(0, domain.TimeOfDay{Hour: 1}),
			"b.mp4": {},
		}},
		Classifier: &sizeClassifier{},
		Sampler:    sampler,
		Publisher:  pub,
		Metrics:    mx,
	}

	rr, err := Execute(context.Background(), e.eff, e.videos, deps, obs)
	require.NoError(t, err)

	assert.Equal(t, 1, obs.startCalls)
	assert.Equal(t, 2, obs.startTotal)
	assert.Equal(t, []string{"1/2 a.mp4", "2/2 b.mp4"}, obs.videoStarts)
	assert.Equal(t, []string{"metadata", "classify", "extract", "list", "label", "metadata"}, obs.phases)
	assert.Equal(t, []string{"1/2 img0001.jpg labeled", "2/2 img0002.jpg duplicate"}, obs.frames)
	assert.Equal(t, []string{"a.mp4 processed", "b.mp4 skipped"}, obs.videoDone)

	assert.Equal(t, obs.phases, mx.stages)
	assert.Equal(t, map[string]int{"labeled": 1, "duplicate": 1}, mx.frames)
	assert.Equal(t, map[string]int{"processed": 1, "skipped": 1}, mx.videos)

	assert.Equal(t, []string{"a.mp4/9:41:00.jpg"}, pub.keys)
	assert.Equal(t, 1, rr.Videos[0].Uploaded)
	assert.Equal(t, 1, rr.Summary.Uploaded)
}

func TestExecute_UploadFailureKeepsLabel(t *testing.T) {
	e := newEnv(t, "a.mp4")
	deps := Deps{
		Meta:       &fakeMeta{metas: map[string]domain.VideoMeta{"a.mp4": okMeta(0, domain.TimeOfDay{Hour: 1})}},
		Classifier: &sizeClassifier{},
		Sampler: &fakeSampler{t: t, frames: map[string][]frameSpec{
			"a.mp4": {{name: "img0001.jpg", w: 2, h: 3}},
		}},
		Publisher: &fakePublisher{err: errors.New("access denied")},
	}

	rr, err := Execute(context.Background(), e.eff, e.videos, deps, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.FrameStatusLabeled, rr.Videos[0].Frames[0].Status)
	assert.Equal(t, 0, rr.Videos[0].Uploaded)
	assert.Equal(t, []string{"2:3:00.jpg"}, listNames(t, e.eff.FramesDir))
}

func TestExecute_RequiresDeps(t *testing.T) {
	e := newEnv(t, "a.mp4")
	rr, err := Execute(context.Background(), e.eff, e.videos, Deps{}, nil)
	assert.Error(t, err)
	assert.True(t, rr.Aborted)
	assert.Empty(t, rr.Videos)
}

func TestLabelOne_ClassifierSeesDecodedFrame(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "img0001.jpg")
	writeJPEG(t, path, 12, 34)

	var seen image.Rectangle
	p := &pipeline{deps: Deps{Classifier: classifierFunc(func(img image.Image) (domain.TimeOfDay, error) {
		seen = img.Bounds()
		return domain.TimeOfDay{Hour: 12, Minute: 34, Second: 56}, nil
	})}}

	fr, err := p.labelOne(context.Background(), domain.FrameFile{Path: path, Name: "img0001.jpg"})
	require.NoError(t, err)
	assert.Equal(t, 12, seen.Dx())
	assert.Equal(t, "12:34:00.jpg", fr.Dst)
	assert.FileExists(t, filepath.Join(dir, "12:34:00.jpg"))
	assert.NoFileExists(t, path)
}

type classifierFunc func(image.Image) (domain.TimeOfDay, error)

func (f classifierFunc) Classify(_ context.Context, img image.Image) (domain.TimeOfDay, error) {
	return f(img)
}
