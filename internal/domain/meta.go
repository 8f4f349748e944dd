package domain

import "image"

// VideoMeta 是 Metadata Reader 的结果。
//
// 约束：读取失败时字段允许为空（First/Last 为 nil、Duration 为零值），
// 由调用方决定是否跳过该视频；读取器本身不因单个视频失败而中断整次运行。
type VideoMeta struct {
	First image.Image
	Last  image.Image

	Duration   TimeOfDay
	FPS        float64
	FrameCount int
}

// HasFirst 表示首帧是否可用。
func (m VideoMeta) HasFirst() bool { return m.First != nil }

// HasLast 表示末帧是否可用。
func (m VideoMeta) HasLast() bool { return m.Last != nil }
