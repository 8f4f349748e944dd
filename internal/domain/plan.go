package domain

import "time"

// ExtractionPlan 描述一次交给 Frame Sampler 的抽帧请求。
//
// Start/End 是启发式窗口边界（字符串原样传给 ffmpeg），不是精确时间码。
type ExtractionPlan struct {
	VideoPath string
	Start     string
	End       string
	Every     time.Duration // 抽帧间隔（每 Every 抽一帧）
	OutputDir string
	Pattern   string // 例如 "img%04d.jpg"
}
