package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/schollz/progressbar/v3"

	"github.com/John-Robertt/framestamp/internal/app/run"
	"github.com/John-Robertt/framestamp/internal/config"
	"github.com/John-Robertt/framestamp/internal/domain"
)

var _ run.Observer = (*progressUI)(nil)

// progressUI 是交互终端下的进度输出。
//
// - 所有过程信息写到 stderr（或 fallback 到 stdout），不污染 stdout 的 JSON 输出契约
// - 逐帧阶段用进度条展示；抽帧这类长阶段由 keepalive 定期报一行
type progressUI struct {
	w io.Writer

	title lipgloss.Style
	ok    lipgloss.Style
	warn  lipgloss.Style
	fail  lipgloss.Style
	dim   lipgloss.Style

	mu          sync.Mutex
	startedAt   time.Time
	lastPrinted time.Time

	total   int
	current int
	phase   string
	bar     *progressbar.ProgressBar

	keepaliveThreshold time.Duration
	tickerInterval     time.Duration

	stopCh        chan struct{}
	tickerStarted bool
}

func newProgressUI(w io.Writer) *progressUI {
	r := lipgloss.NewRenderer(w)
	return &progressUI{
		w:                  w,
		title:              r.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4")),
		ok:                 r.NewStyle().Foreground(lipgloss.Color("#04B575")),
		warn:               r.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
		fail:               r.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		dim:                r.NewStyle().Foreground(lipgloss.Color("#626262")),
		keepaliveThreshold: 10 * time.Second,
		tickerInterval:     2 * time.Second,
	}
}

func (p *progressUI) OnStart(eff config.EffectiveConfig, total int) {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startedAt.IsZero() {
		p.startedAt = now
	}
	p.total = total

	fmt.Fprintf(p.w, "%s %s\n", p.dim.Render("["+now.Format("15:04:05")+"]"), p.title.Render("framestamp run"))
	fmt.Fprintln(p.w, "配置（生效）:")
	if eff.ConfigFile != "" {
		fmt.Fprintf(p.w, "  config: %s\n", eff.ConfigFile)
	}
	fmt.Fprintf(p.w, "  trt: %s\n", eff.Trt)
	fmt.Fprintf(p.w, "  videos_dir: %s\n", eff.VideosDir)
	fmt.Fprintf(p.w, "  frames_dir: %s\n", eff.FramesDir)
	fmt.Fprintf(p.w, "  second: %s\n", eff.Second)
	fmt.Fprintf(p.w, "  classifier: %s\n", truncate(strings.Join(append([]string{eff.Classifier.Command}, eff.Classifier.Args...), " "), 120))
	if eff.Upload.Bucket != "" {
		fmt.Fprintf(p.w, "  upload: s3://%s/%s\n", eff.Upload.Bucket, eff.Upload.Prefix)
	}
	fmt.Fprintf(p.w, "视频: %d\n\n", total)

	p.lastPrinted = time.Now()
	if total > 0 && !p.tickerStarted {
		p.startTickerLocked()
	}
}

func (p *progressUI) OnVideoStart(idx, total int, v domain.VideoFile) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.current = idx
	p.phase = "metadata"
	fmt.Fprintf(p.w, "[%d/%d] %s\n", idx, total, v.Name)
	p.lastPrinted = time.Now()
}

func (p *progressUI) OnPhaseDone(name string, fields map[string]any, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch name {
	case "metadata":
		fmt.Fprintf(p.w, "  元数据: duration=%s frames=%d fps=%.2f (%s)\n",
			stringField(fields, "duration"), intField(fields, "frames"), floatField(fields, "fps"), formatShortDuration(dur),
		)
		p.phase = "classify"
	case "classify":
		p.phase = "extract"
	case "extract":
		fmt.Fprintf(p.w, "  抽帧: %s -> %s (%s)\n",
			stringField(fields, "start"), stringField(fields, "end"), formatShortDuration(dur),
		)
		p.phase = "list"
	case "list":
		p.phase = "label"
	case "label":
		p.finishBarLocked()
		fmt.Fprintf(p.w, "  标注: labeled=%d duplicates=%d failed=%d ignored=%d (%s)\n",
			intField(fields, "labeled"), intField(fields, "duplicates"), intField(fields, "failed"),
			intField(fields, "ignored"), formatShortDuration(dur),
		)
	default:
		fmt.Fprintf(p.w, "  %s (%s)\n", name, formatShortDuration(dur))
	}
	p.lastPrinted = time.Now()
}

func (p *progressUI) OnFrameDone(done, total int, res domain.FrameResult) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bar == nil {
		p.bar = progressbar.NewOptions(total,
			progressbar.OptionSetWriter(p.w),
			progressbar.OptionSetDescription("  标注"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(30),
			progressbar.OptionSetRenderBlankState(true),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "█",
				SaucerHead:    "█",
				SaucerPadding: "░",
				BarStart:      "▐",
				BarEnd:        "▌",
			}),
		)
	}
	_ = p.bar.Set(done)
	if done >= total {
		p.finishBarLocked()
	}
	p.lastPrinted = time.Now()
}

func (p *progressUI) OnVideoDone(idx, total int, res domain.VideoResult, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.finishBarLocked()
	p.phase = ""
	switch res.Status {
	case domain.StatusProcessed:
		fmt.Fprintf(p.w, "  %s window=%s..%s (%s)\n",
			p.ok.Render("OK"), res.Window.Start, res.Window.End, formatShortDuration(dur),
		)
	case domain.StatusSkipped:
		fmt.Fprintf(p.w, "  %s %s: %s (%s)\n",
			p.warn.Render("SKIP"), res.ErrorCode, truncate(res.ErrorMsg, 160), formatShortDuration(dur),
		)
	default:
		fmt.Fprintf(p.w, "  %s %s: %s (%s)\n",
			p.fail.Render("FAIL"), res.ErrorCode, truncate(res.ErrorMsg, 160), formatShortDuration(dur),
		)
	}
	p.lastPrinted = time.Now()

	if p.tickerStarted && idx >= p.total {
		close(p.stopCh)
		p.tickerStarted = false
	}
}

// Close 停止 keepalive；运行提前中止时最后一个 OnVideoDone 不会等于 total。
func (p *progressUI) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finishBarLocked()
	if p.tickerStarted {
		close(p.stopCh)
		p.tickerStarted = false
	}
}

func (p *progressUI) finishBarLocked() {
	if p.bar == nil {
		return
	}
	_ = p.bar.Finish()
	fmt.Fprintln(p.w)
	p.bar = nil
}

func (p *progressUI) startTickerLocked() {
	p.stopCh = make(chan struct{})
	p.tickerStarted = true
	stop := p.stopCh

	interval := p.tickerInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	threshold := p.keepaliveThreshold
	if threshold <= 0 {
		threshold = 10 * time.Second
	}

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-t.C:
				p.mu.Lock()
				// 进度条在刷新时不插入额外行
				if p.bar == nil && p.current > 0 && time.Since(p.lastPrinted) > threshold {
					fmt.Fprintf(p.w, "%s\n", p.dim.Render(fmt.Sprintf("进度: video=%d/%d phase=%s elapsed=%s",
						p.current, p.total, p.phase, formatElapsed(time.Since(p.startedAt)),
					)))
					p.lastPrinted = time.Now()
				}
				p.mu.Unlock()
			case <-stop:
				return
			}
		}
	}()
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func formatShortDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	sec := int(d.Seconds())
	h := sec / 3600
	m := (sec % 3600) / 60
	s := sec % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func intField(fields map[string]any, key string) int {
	switch x := fields[key].(type) {
	case int:
		return x
	case int32:
		return int(x)
	case int64:
		return int(x)
	case uint:
		return int(x)
	case uint32:
		return int(x)
	case uint64:
		return int(x)
	default:
		return 0
	}
}

func floatField(fields map[string]any, key string) float64 {
	switch x := fields[key].(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	default:
		return 0
	}
}

func stringField(fields map[string]any, key string) string {
	if s, ok := fields[key].(string); ok {
		return s
	}
	return ""
}
