package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const (
	// ErrCodeNotFound 表示显式指定的配置文件不存在。
	ErrCodeNotFound = "config_not_found"
	// ErrCodeInvalid 表示配置文件/环境变量无法读取、解析，或字段不合法。
	ErrCodeInvalid = "config_invalid"

	// 前置条件：任何一项不满足都在开始处理前终止。
	ErrCodeVideosDirNotFound = "videos_dir_not_found"
	ErrCodeFramesDirNotFound = "frames_dir_not_found"
	ErrCodeModelNotFound     = "model_not_found"
)

const (
	DefaultFileName  = "framestamp.toml"
	DefaultVideosDir = "videos"
	DefaultFramesDir = "frames"
	DefaultTrt       = "checkpoints/digits_6.trt"
	DefaultSecond    = "00"
	DefaultLogLevel  = "info"

	DefaultClassifierCommand = "digits-runner"
	DefaultInputWidth        = 28
	DefaultInputHeight       = 28
	DefaultNumClasses        = 10
	DefaultStartTimeout      = 60 * time.Second

	// EnvPrefix 是环境变量前缀，例如 FRAMESTAMP_VIDEOS_DIR。
	EnvPrefix = "FRAMESTAMP_"
)

// CLIArgs 保留“是否显式指定”的信息，保证 --second= 这类空值也能覆盖下层来源。
type CLIArgs struct {
	ConfigPath string

	Trt    string
	TrtSet bool

	VideosDir    string
	VideosDirSet bool

	FramesDir    string
	FramesDirSet bool

	Second    string
	SecondSet bool

	LogLevel    string
	LogLevelSet bool

	Report    string
	ReportSet bool
}

// FileConfig 对应 framestamp.toml。
type FileConfig struct {
	VideosDir   string           `toml:"videos_dir"`
	FramesDir   string           `toml:"frames_dir"`
	Trt         string           `toml:"trt"`
	Second      string           `toml:"second"`
	LogLevel    string           `toml:"log_level"`
	Report      string           `toml:"report"`
	MetricsFile string           `toml:"metrics_file"`
	Classifier  ClassifierConfig `toml:"classifier"`
	Upload      UploadConfig     `toml:"upload"`
}

type ClassifierConfig struct {
	Command      string   `toml:"command"`
	Args         []string `toml:"args"`
	InputWidth   int      `toml:"input_width"`
	InputHeight  int      `toml:"input_height"`
	NumClasses   int      `toml:"num_classes"`
	MaxSide      int      `toml:"max_side"`
	StartTimeout string   `toml:"start_timeout"`
}

type UploadConfig struct {
	Bucket       string `toml:"bucket"`
	Prefix       string `toml:"prefix"`
	Region       string `toml:"region"`
	Profile      string `toml:"profile"`
	UsePathStyle bool   `toml:"use_path_style"`
}

// Classifier 是合并后的推理进程配置。
type Classifier struct {
	Command      string
	Args         []string
	InputWidth   int
	InputHeight  int
	NumClasses   int
	MaxSide      int
	StartTimeout time.Duration
}

// EffectiveConfig 是合并并规范化后的最终配置。路径均为 clean + absolute。
type EffectiveConfig struct {
	ConfigFile string // 实际读取的配置文件；未读取时为空

	VideosDir string
	FramesDir string
	Trt       string
	// Second 只解析并回显，不参与计算。
	Second string

	LogLevel    string
	ReportPath  string
	MetricsFile string

	Classifier Classifier
	Upload     UploadConfig

	// UnknownKeys 是配置文件中未识别的键，只用于告警。
	UnknownKeys []string
}

// Error 是配置阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrCodeNotFound:
		return fmt.Sprintf("%s：未找到配置文件 %q", e.Code, e.Path)
	case ErrCodeInvalid:
		if e.Err != nil {
			return fmt.Sprintf("%s：配置 %q 无效：%v", e.Code, e.Path, e.Err)
		}
		return fmt.Sprintf("%s：配置 %q 无效", e.Code, e.Path)
	case ErrCodeVideosDirNotFound:
		return fmt.Sprintf("%s：视频目录不存在：%s", e.Code, e.Path)
	case ErrCodeFramesDirNotFound:
		return fmt.Sprintf("%s：帧目录不存在：%s", e.Code, e.Path)
	case ErrCodeModelNotFound:
		return fmt.Sprintf("%s：模型文件不存在：%s", e.Code, e.Path)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code 从 error 中提取 error_code；若不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Environ 返回 <cwd>/.env 与进程环境合并后的变量表，进程环境优先。
// .env 不存在不算错误。
func Environ(cwd string) (map[string]string, error) {
	env := map[string]string{}
	dotenv := filepath.Join(cwd, ".env")
	if _, err := os.Stat(dotenv); err == nil {
		m, err := godotenv.Read(dotenv)
		if err != nil {
			return nil, &Error{Code: ErrCodeInvalid, Path: dotenv, Err: err}
		}
		for k, v := range m {
			env[k] = v
		}
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env, nil
}

// LoadEffective 读取配置文件并与环境变量、CLI 参数合并。
//
// 配置文件发现：--config > FRAMESTAMP_CONFIG > <cwd>/framestamp.toml（可选）。
// 显式指定的文件必须存在。
//
// 覆盖优先级（逐字段）：CLI > 环境变量 > 配置文件 > 默认值。
// 相对路径一律以 cwd 为基准。
func LoadEffective(cwd string, cli CLIArgs, env map[string]string) (EffectiveConfig, error) {
	cwdAbs, err := filepath.Abs(cwd)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cwd, Err: err}
	}

	cfgPath := strings.TrimSpace(cli.ConfigPath)
	if cfgPath == "" {
		cfgPath = strings.TrimSpace(env[EnvPrefix+"CONFIG"])
	}
	explicit := cfgPath != ""
	if !explicit {
		cfgPath = DefaultFileName
	}
	cfgPath = absCleanFrom(cwdAbs, cfgPath)

	fc, undecoded, exists, err := readFileConfig(cfgPath)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}
	if !exists {
		if explicit {
			return EffectiveConfig{}, &Error{Code: ErrCodeNotFound, Path: cfgPath, Err: os.ErrNotExist}
		}
		cfgPath = ""
	}

	eff, err := merge(cwdAbs, cli, env, fc)
	if err != nil {
		var ce *Error
		if errors.As(err, &ce) && ce.Path == "" {
			ce.Path = cfgPath
		}
		return EffectiveConfig{}, err
	}
	eff.ConfigFile = cfgPath
	eff.UnknownKeys = undecoded
	return eff, nil
}

// pick 按 CLI > env > file > 默认 取第一个有效值。
func pick(cliVal string, cliSet bool, envVal, fileVal, def string) string {
	if cliSet {
		return cliVal
	}
	if strings.TrimSpace(envVal) != "" {
		return strings.TrimSpace(envVal)
	}
	if strings.TrimSpace(fileVal) != "" {
		return strings.TrimSpace(fileVal)
	}
	return def
}

func pickInt(envVal string, fileVal, def int) (int, error) {
	if s := strings.TrimSpace(envVal); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, err
		}
		return n, nil
	}
	if fileVal != 0 {
		return fileVal, nil
	}
	return def, nil
}

func merge(cwd string, cli CLIArgs, env map[string]string, fc FileConfig) (EffectiveConfig, error) {
	e := func(k string) string { return env[EnvPrefix+k] }
	invalid := func(format string, a ...any) error {
		return &Error{Code: ErrCodeInvalid, Err: fmt.Errorf(format, a...)}
	}

	eff := EffectiveConfig{
		VideosDir:   pick(cli.VideosDir, cli.VideosDirSet, e("VIDEOS_DIR"), fc.VideosDir, DefaultVideosDir),
		FramesDir:   pick(cli.FramesDir, cli.FramesDirSet, e("FRAMES_DIR"), fc.FramesDir, DefaultFramesDir),
		Trt:         pick(cli.Trt, cli.TrtSet, e("TRT"), fc.Trt, DefaultTrt),
		Second:      pick(cli.Second, cli.SecondSet, e("SECOND"), fc.Second, DefaultSecond),
		LogLevel:    pick(cli.LogLevel, cli.LogLevelSet, e("LOG_LEVEL"), fc.LogLevel, DefaultLogLevel),
		ReportPath:  pick(cli.Report, cli.ReportSet, e("REPORT"), fc.Report, ""),
		MetricsFile: pick("", false, e("METRICS_FILE"), fc.MetricsFile, ""),
	}
	for _, p := range []*string{&eff.VideosDir, &eff.FramesDir, &eff.Trt} {
		if strings.TrimSpace(*p) == "" {
			return EffectiveConfig{}, invalid("路径不能为空")
		}
		*p = absCleanFrom(cwd, *p)
	}
	eff.ReportPath = absCleanFrom(cwd, eff.ReportPath)
	eff.MetricsFile = absCleanFrom(cwd, eff.MetricsFile)

	c := Classifier{
		Command: pick("", false, e("CLASSIFIER_COMMAND"), fc.Classifier.Command, DefaultClassifierCommand),
		Args:    append([]string(nil), fc.Classifier.Args...),
	}
	if s := strings.TrimSpace(e("CLASSIFIER_ARGS")); s != "" {
		c.Args = strings.Fields(s)
	}
	var err error
	if c.InputWidth, err = pickInt(e("CLASSIFIER_INPUT_WIDTH"), fc.Classifier.InputWidth, DefaultInputWidth); err != nil {
		return EffectiveConfig{}, invalid("classifier.input_width 无效：%w", err)
	}
	if c.InputHeight, err = pickInt(e("CLASSIFIER_INPUT_HEIGHT"), fc.Classifier.InputHeight, DefaultInputHeight); err != nil {
		return EffectiveConfig{}, invalid("classifier.input_height 无效：%w", err)
	}
	if c.NumClasses, err = pickInt(e("CLASSIFIER_NUM_CLASSES"), fc.Classifier.NumClasses, DefaultNumClasses); err != nil {
		return EffectiveConfig{}, invalid("classifier.num_classes 无效：%w", err)
	}
	if c.MaxSide, err = pickInt(e("CLASSIFIER_MAX_SIDE"), fc.Classifier.MaxSide, 0); err != nil {
		return EffectiveConfig{}, invalid("classifier.max_side 无效：%w", err)
	}
	if c.InputWidth <= 0 || c.InputHeight <= 0 || c.NumClasses <= 0 || c.MaxSide < 0 {
		return EffectiveConfig{}, invalid("classifier 尺寸/类别数必须为正数")
	}
	c.StartTimeout = DefaultStartTimeout
	if s := pick("", false, e("CLASSIFIER_START_TIMEOUT"), fc.Classifier.StartTimeout, ""); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return EffectiveConfig{}, invalid("classifier.start_timeout 无效：%q", s)
		}
		c.StartTimeout = d
	}
	// 命令若是相对路径（含路径分隔符），以 cwd 为基准；裸命令名交给 PATH 查找。
	if strings.ContainsRune(c.Command, filepath.Separator) || strings.Contains(c.Command, "/") {
		c.Command = absCleanFrom(cwd, c.Command)
	}
	eff.Classifier = c

	u := fc.Upload
	u.Bucket = pick("", false, e("UPLOAD_BUCKET"), u.Bucket, "")
	u.Prefix = pick("", false, e("UPLOAD_PREFIX"), u.Prefix, "")
	u.Region = pick("", false, e("UPLOAD_REGION"), u.Region, "")
	u.Profile = pick("", false, e("UPLOAD_PROFILE"), u.Profile, "")
	if s := strings.TrimSpace(e("UPLOAD_PATH_STYLE")); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return EffectiveConfig{}, invalid("%sUPLOAD_PATH_STYLE 无效：%q", EnvPrefix, s)
		}
		u.UsePathStyle = b
	}
	if u.Prefix != "" && !strings.HasSuffix(u.Prefix, "/") {
		u.Prefix += "/"
	}
	eff.Upload = u

	return eff, nil
}

// Validate 检查前置条件：视频目录、帧目录、模型文件必须存在。按此顺序报告第一个失败项。
func Validate(eff EffectiveConfig) error {
	if !isDir(eff.VideosDir) {
		return &Error{Code: ErrCodeVideosDirNotFound, Path: eff.VideosDir}
	}
	if !isDir(eff.FramesDir) {
		return &Error{Code: ErrCodeFramesDirNotFound, Path: eff.FramesDir}
	}
	if fi, err := os.Stat(eff.Trt); err != nil || fi.IsDir() {
		return &Error{Code: ErrCodeModelNotFound, Path: eff.Trt, Err: err}
	}
	return nil
}

func isDir(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}

// absCleanFrom 以 base 为基准，把 p 变为 clean + absolute；空串原样返回。
func absCleanFrom(base, p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = filepath.Clean(p)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}

// readFileConfig 读取并解析 TOML 配置文件。
// 返回值 exists 表示该文件是否存在（不存在不算错误）。
func readFileConfig(path string) (fc FileConfig, undecoded []string, exists bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileConfig{}, nil, false, nil
		}
		return FileConfig{}, nil, false, err
	}
	md, err := toml.Decode(string(b), &fc)
	if err != nil {
		return FileConfig{}, nil, true, err
	}
	for _, k := range md.Undecoded() {
		undecoded = append(undecoded, k.String())
	}
	sort.Strings(undecoded)
	return fc, undecoded, true, nil
}
