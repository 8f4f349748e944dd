package ffmpegx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"math"
	"strconv"
	"strings"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/John-Robertt/framestamp/internal/domain"
	"github.com/John-Robertt/framestamp/internal/infra/imgx"
)

// 便于测试替换。
var (
	probeFunc     = ffmpeg.Probe
	readFrameFunc = readFrame
)

// StreamInfo 是从 ffprobe 输出中解析出的视频流信息。
type StreamInfo struct {
	FPS        float64
	FrameCount int
	Width      int
	Height     int
}

// MetadataReader 读取视频的首帧、尾帧与时长。
type MetadataReader struct{}

// NewMetadataReader 返回默认实现。
func NewMetadataReader() *MetadataReader { return &MetadataReader{} }

// ReadMetadata 读取元数据。失败不会 panic：缺失的字段保持零值，
// 同时返回说明原因的 error，调用方据此决定跳过还是继续。
func (r *MetadataReader) ReadMetadata(ctx context.Context, path string) (domain.VideoMeta, error) {
	var meta domain.VideoMeta
	if err := ctx.Err(); err != nil {
		return meta, err
	}

	raw, err := probeFunc(path)
	if err != nil {
		return meta, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	info, err := ParseProbe([]byte(raw))
	if err != nil {
		return meta, fmt.Errorf("解析 ffprobe 输出 %s: %w", path, err)
	}
	meta.FPS = info.FPS
	meta.FrameCount = info.FrameCount
	meta.Duration = DurationOf(info.FrameCount, info.FPS)

	var errs []error
	if err := ctx.Err(); err != nil {
		return meta, err
	}
	first, err := readFrameFunc(path, 0)
	if err != nil {
		errs = append(errs, fmt.Errorf("首帧: %w", err))
	} else {
		meta.First = first
	}

	if info.FrameCount > 0 {
		if err := ctx.Err(); err != nil {
			return meta, err
		}
		last, err := readFrameFunc(path, info.FrameCount-1)
		if err != nil {
			errs = append(errs, fmt.Errorf("尾帧: %w", err))
		} else {
			meta.Last = last
		}
	} else {
		errs = append(errs, errors.New("尾帧: 帧数未知"))
	}
	return meta, errors.Join(errs...)
}

// DurationOf 按 floor(帧数/fps) 得到整秒时长，小时不做 24h 回绕。
func DurationOf(frameCount int, fps float64) domain.TimeOfDay {
	if frameCount <= 0 || fps <= 0 {
		return domain.TimeOfDay{}
	}
	return domain.SplitSeconds(int(float64(frameCount) / fps))
}

type probeOutput struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		RFrameRate   string `json:"r_frame_rate"`
		NbFrames     string `json:"nb_frames"`
		Duration     string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// ParseProbe 解析 ffprobe -show_format -show_streams -of json 的输出，取第一条视频流。
func ParseProbe(b []byte) (StreamInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(b, &out); err != nil {
		return StreamInfo{}, err
	}
	for _, s := range out.Streams {
		if s.CodecType != "video" {
			continue
		}
		info := StreamInfo{Width: s.Width, Height: s.Height}
		info.FPS = parseRate(s.AvgFrameRate)
		if info.FPS <= 0 {
			info.FPS = parseRate(s.RFrameRate)
		}
		if info.FPS <= 0 {
			return info, errors.New("无法确定帧率")
		}
		if n, err := strconv.Atoi(strings.TrimSpace(s.NbFrames)); err == nil && n > 0 {
			info.FrameCount = n
			return info, nil
		}
		dur := parseFloat(s.Duration)
		if dur <= 0 {
			dur = parseFloat(out.Format.Duration)
		}
		if dur <= 0 {
			return info, errors.New("无法确定帧数")
		}
		info.FrameCount = int(math.Floor(dur * info.FPS))
		return info, nil
	}
	return StreamInfo{}, errors.New("没有视频流")
}

// parseRate 解析 "30000/1001" 或 "25" 形式的帧率；无效时返回 0。
func parseRate(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		return parseFloat(s)
	}
	n := parseFloat(num)
	d := parseFloat(den)
	if d == 0 {
		return 0
	}
	return n / d
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// readFrame 通过 select 滤镜取第 n 帧，以 mjpeg 写到管道后解码。
func readFrame(path string, n int) (image.Image, error) {
	var stdout, stderr bytes.Buffer
	err := frameStream(path, n).
		WithOutput(&stdout).
		WithErrorOutput(&stderr).
		Run()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("读取第 %d 帧: %w: %s", n, err, msg)
		}
		return nil, fmt.Errorf("读取第 %d 帧: %w", n, err)
	}
	img, err := imgx.Decode(stdout.Bytes())
	if err != nil {
		return nil, fmt.Errorf("解码第 %d 帧: %w", n, err)
	}
	return img, nil
}

func frameStream(path string, n int) *ffmpeg.Stream {
	return ffmpeg.Input(path, ffmpeg.KwArgs{"hide_banner": "", "loglevel": "error", "nostdin": ""}).
		Filter("select", ffmpeg.Args{fmt.Sprintf("gte(n,%d)", n)}).
		Output("pipe:", ffmpeg.KwArgs{"vframes": 1, "format": "image2", "vcodec": "mjpeg"})
}
