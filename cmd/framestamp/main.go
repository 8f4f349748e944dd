package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/John-Robertt/framestamp/internal/app/run"
	"github.com/John-Robertt/framestamp/internal/classifier/digits"
	"github.com/John-Robertt/framestamp/internal/config"
	"github.com/John-Robertt/framestamp/internal/domain"
	"github.com/John-Robertt/framestamp/internal/infra/ffmpegx"
	"github.com/John-Robertt/framestamp/internal/infra/fsx"
	"github.com/John-Robertt/framestamp/internal/infra/logx"
	"github.com/John-Robertt/framestamp/internal/infra/metrics"
	"github.com/John-Robertt/framestamp/internal/infra/s3x"
	"github.com/John-Robertt/framestamp/internal/scan"
)

func main() {
	args := os.Args[1:]
	if len(args) == 0 || isHelp(args[0]) {
		printUsage()
		return
	}

	switch {
	case args[0] == "run":
		args = args[1:]
	case strings.HasPrefix(args[0], "-"):
		// 省略 run：直接带参数也按 run 处理
	default:
		fmt.Fprintf(os.Stderr, "未知命令：%q\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
	if code := runCmd(args); code != 0 {
		os.Exit(code)
	}
}

func runCmd(args []string) int {
	for _, a := range args {
		if isHelp(a) {
			printRunUsage()
			return 0
		}
	}

	cli, err := parseRunArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "参数错误：%v\n\n", err)
		printRunUsage()
		return 2
	}

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取当前目录失败：%v\n", err)
		return 1
	}

	env, err := config.Environ(cwd)
	if err != nil {
		emitReport(reportForError(config.EffectiveConfig{}, config.Code(err), err))
		return 1
	}
	eff, err := config.LoadEffective(cwd, cli, env)
	if err != nil {
		emitReport(reportForError(config.EffectiveConfig{}, config.Code(err), err))
		return 1
	}

	log, err := logx.New(eff.LogLevel)
	if err != nil {
		emitReport(reportForError(eff, config.ErrCodeInvalid, err))
		return 1
	}
	defer func() { _ = log.Sync() }()

	log.Info("生效配置",
		zap.String("config_file", eff.ConfigFile),
		zap.String("trt", eff.Trt),
		zap.String("videos_dir", eff.VideosDir),
		zap.String("frames_dir", eff.FramesDir),
		zap.String("second", eff.Second),
		zap.String("classifier", strings.Join(append([]string{eff.Classifier.Command}, eff.Classifier.Args...), " ")),
		zap.Bool("upload", eff.Upload.Bucket != ""),
	)
	if len(eff.UnknownKeys) > 0 {
		log.Warn("配置文件中有未识别的键", zap.Strings("keys", eff.UnknownKeys))
	}

	if err := config.Validate(eff); err != nil {
		log.Error("前置条件不满足", zap.Error(err))
		emitReport(reportForError(eff, config.Code(err), err))
		return 1
	}

	videos, err := scan.ScanVideos(eff.VideosDir)
	if err != nil {
		emitReport(reportForError(eff, config.ErrCodeVideosDirNotFound, err))
		return 1
	}
	if len(videos) == 0 {
		fmt.Fprintln(os.Stderr, "视频目录下没有 .mp4 文件，退出。")
		emitReport(reportForError(eff, "", nil))
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 模型只加载一次，整次运行复用；无论如何结束都要释放。
	rec, err := digits.Open(ctx, digits.Config{
		Engine:       eff.Trt,
		Command:      eff.Classifier.Command,
		Args:         eff.Classifier.Args,
		InputWidth:   eff.Classifier.InputWidth,
		InputHeight:  eff.Classifier.InputHeight,
		NumClasses:   eff.Classifier.NumClasses,
		MaxSide:      eff.Classifier.MaxSide,
		StartTimeout: eff.Classifier.StartTimeout,
	})
	if err != nil {
		log.Error("加载识别模型失败", zap.Error(err))
		emitReport(reportForError(eff, domain.ErrCodeRunFailed, err))
		return 1
	}
	defer func() {
		if err := rec.Close(); err != nil {
			log.Warn("释放识别模型失败", zap.Error(err))
		}
	}()

	deps := run.Deps{
		Meta:       ffmpegx.NewMetadataReader(),
		Classifier: rec,
		Sampler:    ffmpegx.NewSampler(),
		Logger:     log,
	}

	var mx *metrics.Recorder
	if eff.MetricsFile != "" {
		mx = metrics.New()
		deps.Metrics = mx
	}

	if eff.Upload.Bucket != "" {
		up, err := s3x.New(ctx, s3x.Config{
			Bucket:       eff.Upload.Bucket,
			Prefix:       eff.Upload.Prefix,
			Region:       eff.Upload.Region,
			Profile:      eff.Upload.Profile,
			UsePathStyle: eff.Upload.UsePathStyle,
		})
		if err != nil {
			log.Error("初始化上传失败", zap.Error(err))
			emitReport(reportForError(eff, domain.ErrCodeRunFailed, err))
			return 1
		}
		deps.Publisher = up
	}

	progressW, interactive := pickProgressWriter()
	var (
		obs run.Observer
		ui  *progressUI
	)
	if interactive {
		ui = newProgressUI(progressW)
		obs = ui
	}

	rr, runErr := run.Execute(ctx, eff, videos, deps, obs)
	if ui != nil {
		ui.Close()
	}
	if runErr != nil {
		log.Error("运行中止", zap.Error(runErr))
	}

	code := 0
	if runErr != nil || rr.Summary.Failed > 0 {
		code = 1
	}

	if eff.ReportPath != "" {
		if err := writeReportFile(eff.ReportPath, rr); err != nil {
			fmt.Fprintf(os.Stderr, "写入报告失败：%v\n", err)
			code = 1
		}
	}
	if mx != nil {
		if err := mx.WriteTextfile(eff.MetricsFile); err != nil {
			log.Warn("写入指标文件失败", zap.Error(err))
		}
	}

	emitReport(rr)
	if interactive {
		emitLocations(progressW, eff)
	}
	return code
}

// parseRunArgs 解析 run 的参数。长短两种写法都支持 "--flag value" 与 "--flag=value"。
func parseRunArgs(args []string) (config.CLIArgs, error) {
	var cli config.CLIArgs

	type target struct {
		val *string
		set *bool
	}
	var configSet bool
	flags := map[string]target{
		"-t":           {&cli.Trt, &cli.TrtSet},
		"--trt":        {&cli.Trt, &cli.TrtSet},
		"-vd":          {&cli.VideosDir, &cli.VideosDirSet},
		"--videos_dir": {&cli.VideosDir, &cli.VideosDirSet},
		"-fd":          {&cli.FramesDir, &cli.FramesDirSet},
		"--frames_dir": {&cli.FramesDir, &cli.FramesDirSet},
		"-s":           {&cli.Second, &cli.SecondSet},
		"--second":     {&cli.Second, &cli.SecondSet},
		"--log-level":  {&cli.LogLevel, &cli.LogLevelSet},
		"--report":     {&cli.Report, &cli.ReportSet},
		"--config":     {&cli.ConfigPath, &configSet},
	}

	for i := 0; i < len(args); i++ {
		a := args[i]
		name, val, hasVal := strings.Cut(a, "=")
		tg, ok := flags[name]
		if !ok {
			if strings.HasPrefix(a, "-") {
				return config.CLIArgs{}, fmt.Errorf("未知参数 %q", a)
			}
			return config.CLIArgs{}, fmt.Errorf("多余的参数 %q", a)
		}
		if !hasVal {
			if i+1 >= len(args) {
				return config.CLIArgs{}, fmt.Errorf("%s 需要一个值", name)
			}
			i++
			val = args[i]
		}
		if *tg.set {
			return config.CLIArgs{}, fmt.Errorf("重复的参数 %s", name)
		}
		*tg.val = val
		*tg.set = true
	}
	return cli, nil
}

func isHelp(s string) bool {
	return s == "-h" || s == "--help" || s == "help"
}

func printUsage() {
	fmt.Fprint(os.Stdout, `用法：
  framestamp run [-t TRT] [-vd DIR] [-fd DIR] [-s SS] [--config FILE] [--log-level LEVEL] [--report FILE]

命令：
  run    从视频中每分钟抽一帧，识别画面时钟并按 <时>:<分>:00.jpg 命名

使用 "framestamp run --help" 查看详细说明。
`)
}

func printRunUsage() {
	fmt.Fprint(os.Stdout, `用法：
  framestamp run [flags]

参数：
  -t,  --trt          识别模型（TensorRT 引擎）文件（默认 checkpoints/digits_6.trt）
  -vd, --videos_dir   .mp4 视频所在目录（默认 videos）
  -fd, --frames_dir   抽帧输出/改名目录（默认 frames）
  -s,  --second       名义上的抽帧秒位（默认 00，当前不参与计算）
       --config       TOML 配置文件（默认 ./framestamp.toml，存在才读取）
       --log-level    日志级别：debug|info|warn|error（默认 info）
       --report       把 RunReport JSON 另存到该文件
  -h,  --help         显示帮助

优先级：命令行 > 环境变量 FRAMESTAMP_*（含 .env）> 配置文件 > 默认值
`)
}

func summaryLine(rr domain.RunReport) string {
	s := rr.Summary
	line := fmt.Sprintf("完成：processed=%d skipped=%d failed=%d labeled=%d duplicates=%d frame_failed=%d",
		s.Processed, s.Skipped, s.Failed, s.Labeled, s.Duplicates, s.FrameFailed,
	)
	if s.Uploaded > 0 {
		line += fmt.Sprintf(" uploaded=%d", s.Uploaded)
	}
	if rr.Aborted {
		line += " (已中止)"
	}
	return line
}

func emitReport(rr domain.RunReport) {
	if isTTY(os.Stdout) {
		fmt.Fprintln(os.Stdout, summaryLine(rr))
		if rr.ErrorCode != "" {
			fmt.Fprintf(os.Stderr, "%s: %s\n", rr.ErrorCode, rr.ErrorMsg)
		}
		for _, v := range rr.Videos {
			if v.Status == domain.StatusProcessed {
				continue
			}
			fmt.Fprintf(os.Stderr, "%s %s: %s\n", v.Path, v.ErrorCode, v.ErrorMsg)
		}
		return
	}

	// stdout 非 TTY：stdout 必须且仅输出一个 RunReport JSON（日志/摘要走 stderr）。
	enc := json.NewEncoder(os.Stdout)
	_ = enc.Encode(rr)
	fmt.Fprintln(os.Stderr, summaryLine(rr))
}

// reportForError 为运行开始前就结束的情况构造报告；err 为 nil 表示正常的空运行。
func reportForError(eff config.EffectiveConfig, code string, err error) domain.RunReport {
	now := time.Now().UTC()
	rr := domain.RunReport{
		VideosDir:  eff.VideosDir,
		FramesDir:  eff.FramesDir,
		StartedAt:  now,
		FinishedAt: now,
		Videos:     []domain.VideoResult{},
	}
	if err != nil {
		if code == "" {
			code = domain.ErrCodeRunFailed
		}
		rr.Aborted = true
		rr.ErrorCode = code
		rr.ErrorMsg = err.Error()
	}
	rr.Finalize()
	return rr
}

func writeReportFile(path string, rr domain.RunReport) error {
	b, err := json.MarshalIndent(rr, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	dir, name := filepath.Split(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return fsx.WriteFileAtomicReplace(dir, name, b)
}

func isTTY(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func pickProgressWriter() (io.Writer, bool) {
	// 进度输出只在交互终端启用；默认走 stderr（不污染 stdout JSON）。
	if isTTY(os.Stderr) {
		return os.Stderr, true
	}
	if isTTY(os.Stdout) {
		return os.Stdout, true
	}
	return nil, false
}

func emitLocations(w io.Writer, eff config.EffectiveConfig) {
	if w == nil {
		return
	}
	fmt.Fprintf(w, "frames: %s\n", eff.FramesDir)
	if eff.ReportPath != "" {
		fmt.Fprintf(w, "report: %s\n", eff.ReportPath)
	}
	if eff.MetricsFile != "" {
		fmt.Fprintf(w, "metrics: %s\n", eff.MetricsFile)
	}
}
