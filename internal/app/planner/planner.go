package planner

import (
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/John-Robertt/framestamp/internal/domain"
)

const (
	// RawFramePrefix 是 Frame Sampler 输出文件名的固定前缀；只有它开头的文件会被分类/改名。
	RawFramePrefix = "img"
	// RawFramePattern 是交给 ffmpeg 的输出文件名模板。
	RawFramePattern = RawFramePrefix + "%04d.jpg"
	// SampleEvery 是固定抽帧间隔：每 60 秒视频抽一帧。
	SampleEvery = 60 * time.Second
)

// 窗口边界的两个字面量必须原样保留：它们针对某一种摄像头叠加时钟调出来，
// 不是通用的时间换算。
const (
	startSecondsBase = 90
	endSecond        = "30"
)

// Window 计算抽帧窗口。
//
//	start = "00:00:" + (90 - firstSecond)
//	end   = "<H>:<M>:30"
//
// 全部不补零；firstSecond 超过 90 时得到负数，也按原样输出。
func Window(duration domain.TimeOfDay, firstSecond int) domain.Window {
	return domain.Window{
		Start: "00:00:" + strconv.Itoa(startSecondsBase-firstSecond),
		End:   strconv.Itoa(duration.Hour) + ":" + strconv.Itoa(duration.Minute) + ":" + endSecond,
	}
}

// PlanExtraction 基于视频时长与首帧时钟生成确定性的抽帧请求（不做任何 I/O）。
func PlanExtraction(v domain.VideoFile, duration domain.TimeOfDay, first domain.TimeOfDay, framesDir string) domain.ExtractionPlan {
	w := Window(duration, first.Second)
	return domain.ExtractionPlan{
		VideoPath: v.AbsPath,
		Start:     w.Start,
		End:       w.End,
		Every:     SampleEvery,
		OutputDir: filepath.Clean(framesDir),
		Pattern:   RawFramePattern,
	}
}

// TargetName 返回分类结果对应的目标文件名 "<H>:<M>:00.jpg"。
// 秒数被有意丢弃：同一分钟内的帧视为重复。
func TargetName(t domain.TimeOfDay) string {
	return strconv.Itoa(t.Hour) + ":" + strconv.Itoa(t.Minute) + ":00.jpg"
}

// IsRawFrame 判断 name 是否为尚未标注的抽帧输出。
// 判断对象是第一个 '.' 之前的部分，其他文件（已标注/外来文件）一律不动。
func IsRawFrame(name string) bool {
	stem, _, _ := strings.Cut(name, ".")
	return strings.HasPrefix(stem, RawFramePrefix)
}
