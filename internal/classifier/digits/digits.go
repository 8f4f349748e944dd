// Package digits 封装时间戳数字识别模型。
//
// 模型（TensorRT 引擎）由一个长驻的推理进程加载，本包通过 stdin/stdout 上的
// JSON 行协议与其通信：
//
//	启动：<command> <args...> --engine <path> --input-size 28x28 --num-classes 10
//	就绪：{"ready":true}
//	请求：{"id":1,"image":"<base64 png>"}
//	响应：{"id":1,"hour":9,"minute":41,"second":17} 或 {"id":1,"error":"..."}
//
// Recognizer 是显式的资源句柄：Open 加载一次，整个运行期间复用，Close 释放。
package digits

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/John-Robertt/framestamp/internal/domain"
	"github.com/John-Robertt/framestamp/internal/infra/imgx"
)

const (
	DefaultInputWidth   = 28
	DefaultInputHeight  = 28
	DefaultNumClasses   = 10
	DefaultStartTimeout = 60 * time.Second

	closeGrace     = 3 * time.Second
	maxLineBytes   = 1 << 20
	stderrTailSize = 4 << 10
)

// Config 描述推理进程。
type Config struct {
	Engine      string   // 序列化的引擎文件
	Command     string   // 推理进程可执行文件
	Args        []string // 追加在 Command 之后、--engine 之前
	Env         []string // 追加到当前环境
	InputWidth  int
	InputHeight int
	NumClasses  int
	// MaxSide>0 时，送入推理前把帧等比缩小到最长边不超过该值。
	MaxSide      int
	StartTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.InputWidth <= 0 {
		c.InputWidth = DefaultInputWidth
	}
	if c.InputHeight <= 0 {
		c.InputHeight = DefaultInputHeight
	}
	if c.NumClasses <= 0 {
		c.NumClasses = DefaultNumClasses
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = DefaultStartTimeout
	}
	return c
}

// CommandLine 返回实际执行的命令行（不含环境变量）。
func (c Config) CommandLine() []string {
	c = c.withDefaults()
	out := append([]string{c.Command}, c.Args...)
	return append(out,
		"--engine", c.Engine,
		"--input-size", fmt.Sprintf("%dx%d", c.InputWidth, c.InputHeight),
		"--num-classes", strconv.Itoa(c.NumClasses),
	)
}

// RunnerError 表示推理进程层面的失败（启动、协议、进程退出或推理报错）。
type RunnerError struct {
	Op     string
	Msg    string
	Stderr string
	Err    error
}

func (e *RunnerError) Error() string {
	var b strings.Builder
	b.WriteString("digits ")
	b.WriteString(e.Op)
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		b.WriteString(" (stderr: ")
		b.WriteString(s)
		b.WriteString(")")
	}
	return b.String()
}

func (e *RunnerError) Unwrap() error { return e.Err }

// ErrClosed 表示 Recognizer 已关闭或推理进程已退出。
var ErrClosed = errors.New("识别器已关闭")

type request struct {
	ID    int64  `json:"id"`
	Image string `json:"image"`
}

type response struct {
	ID     int64  `json:"id"`
	Ready  bool   `json:"ready,omitempty"`
	Hour   int    `json:"hour"`
	Minute int    `json:"minute"`
	Second int    `json:"second"`
	Error  string `json:"error,omitempty"`
}

type lineMsg struct {
	resp response
	err  error
}

// Recognizer 持有一个已加载模型的推理进程。Classify 串行执行。
type Recognizer struct {
	cfg Config

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	lines    chan lineMsg
	readDone chan struct{}
	exited   chan struct{}
	waitErr  error
	stderr   *tailBuffer
	nextID   int64
	closed   bool
}

// Open 启动推理进程并等待其报告就绪。
func Open(ctx context.Context, cfg Config) (*Recognizer, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, &RunnerError{Op: "open", Msg: "未配置推理进程命令"}
	}
	if strings.TrimSpace(cfg.Engine) == "" {
		return nil, &RunnerError{Op: "open", Msg: "未配置引擎文件"}
	}

	argv := cfg.CommandLine()
	cmd := exec.Command(argv[0], argv[1:]...)
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &RunnerError{Op: "open", Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &RunnerError{Op: "open", Err: err}
	}
	r := &Recognizer{
		cfg:      cfg,
		cmd:      cmd,
		stdin:    stdin,
		lines:    make(chan lineMsg, 1),
		readDone: make(chan struct{}),
		exited:   make(chan struct{}),
		stderr:   newTailBuffer(stderrTailSize),
	}
	cmd.Stderr = r.stderr

	if err := cmd.Start(); err != nil {
		return nil, &RunnerError{Op: "open", Err: err}
	}
	go r.readLoop(stdout)
	go func() {
		// stdout 读完后才能 Wait，否则 Wait 会提前关闭管道丢掉最后几行。
		<-r.readDone
		r.waitErr = cmd.Wait()
		close(r.exited)
	}()

	wctx, cancel := context.WithTimeout(ctx, cfg.StartTimeout)
	defer cancel()
	for {
		select {
		case m, ok := <-r.lines:
			if !ok {
				// stdout 已关闭，但进程可能仍在运行，等待同样受超时约束。
				select {
				case <-r.exited:
					return nil, &RunnerError{Op: "open", Msg: "推理进程在就绪前退出", Stderr: r.stderr.String(), Err: r.waitErr}
				case <-wctx.Done():
					r.kill()
					return nil, &RunnerError{Op: "open", Msg: "输出已关闭且未就绪", Stderr: r.stderr.String(), Err: wctx.Err()}
				}
			}
			if m.err != nil {
				r.kill()
				return nil, &RunnerError{Op: "open", Msg: "就绪信号无效", Stderr: r.stderr.String(), Err: m.err}
			}
			if m.resp.Error != "" {
				r.kill()
				return nil, &RunnerError{Op: "open", Msg: m.resp.Error, Stderr: r.stderr.String()}
			}
			if m.resp.Ready {
				return r, nil
			}
			// 就绪前的其它行忽略
		case <-wctx.Done():
			r.kill()
			return nil, &RunnerError{Op: "open", Msg: "等待就绪超时", Stderr: r.stderr.String(), Err: wctx.Err()}
		}
	}
}

func (r *Recognizer) readLoop(stdout io.Reader) {
	defer close(r.readDone)
	defer close(r.lines)
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var resp response
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			r.lines <- lineMsg{err: fmt.Errorf("无法解析输出行 %q: %w", truncate(line, 120), err)}
			continue
		}
		r.lines <- lineMsg{resp: resp}
	}
	if err := sc.Err(); err != nil {
		r.lines <- lineMsg{err: err}
	}
}

// Classify 识别图片上的时间戳。输出不做范围校验。
func (r *Recognizer) Classify(ctx context.Context, img image.Image) (domain.TimeOfDay, error) {
	if img == nil {
		return domain.TimeOfDay{}, errors.New("图片为空")
	}
	png, err := imgx.EncodePNG(imgx.FitWithin(img, r.cfg.MaxSide))
	if err != nil {
		return domain.TimeOfDay{}, fmt.Errorf("编码图片: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return domain.TimeOfDay{}, ErrClosed
	}

	r.nextID++
	id := r.nextID
	b, err := json.Marshal(request{ID: id, Image: base64.StdEncoding.EncodeToString(png)})
	if err != nil {
		return domain.TimeOfDay{}, err
	}
	if _, err := r.stdin.Write(append(b, '\n')); err != nil {
		return domain.TimeOfDay{}, &RunnerError{Op: "classify", Msg: "写入请求失败", Stderr: r.stderr.String(), Err: err}
	}

	for {
		select {
		case m, ok := <-r.lines:
			if !ok {
				return domain.TimeOfDay{}, &RunnerError{Op: "classify", Stderr: r.stderr.String(), Err: ErrClosed}
			}
			if m.err != nil {
				return domain.TimeOfDay{}, &RunnerError{Op: "classify", Msg: "协议错误", Err: m.err}
			}
			if m.resp.ID != id {
				// 之前被取消的请求迟到的响应
				continue
			}
			if m.resp.Error != "" {
				return domain.TimeOfDay{}, &RunnerError{Op: "classify", Msg: m.resp.Error}
			}
			return domain.TimeOfDay{Hour: m.resp.Hour, Minute: m.resp.Minute, Second: m.resp.Second}, nil
		case <-ctx.Done():
			return domain.TimeOfDay{}, ctx.Err()
		}
	}
}

// Close 关闭 stdin 让推理进程自行退出；超过宽限期则强制结束。可重复调用。
func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	_ = r.stdin.Close()
	go r.drain()

	select {
	case <-r.exited:
	case <-time.After(closeGrace):
		_ = r.cmd.Process.Kill()
		<-r.exited
		return nil
	}
	if r.waitErr != nil {
		return &RunnerError{Op: "close", Stderr: r.stderr.String(), Err: r.waitErr}
	}
	return nil
}

// drain 丢弃剩余输出，保证 readLoop 能读到 EOF 并退出。
func (r *Recognizer) drain() {
	for range r.lines {
	}
}

func (r *Recognizer) kill() {
	_ = r.stdin.Close()
	go r.drain()
	if r.cmd.Process != nil {
		_ = r.cmd.Process.Kill()
	}
	<-r.exited
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// tailBuffer 只保留最近写入的 n 个字节，用于在错误信息里附带 stderr 尾部。
type tailBuffer struct {
	mu  sync.Mutex
	n   int
	buf []byte
}

func newTailBuffer(n int) *tailBuffer { return &tailBuffer{n: n} }

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.n; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
