package domain

import (
	"encoding/json"
	"time"
)

const (
	StatusProcessed = "processed"
	StatusSkipped   = "skipped"
	StatusFailed    = "failed"
)

const (
	FrameStatusLabeled   = "labeled"
	FrameStatusDuplicate = "duplicate"
	FrameStatusFailed    = "failed"
)

const (
	ErrCodeMetadataUnavailable = "metadata_unavailable"
	ErrCodeClassifyFailed      = "classify_failed"
	ErrCodeExtractFailed       = "extract_failed"
	ErrCodeNoFrames            = "no_frames"
	ErrCodeListFailed          = "list_failed"
	ErrCodeCanceled            = "canceled"

	// ErrCodeRunFailed 是运行级失败的兜底错误码（例如推理进程无法启动）。
	ErrCodeRunFailed = "run_failed"
)

// RunReport 是对外稳定输出（--report 文件 / 非 TTY 时的 stdout JSON）的结构。
type RunReport struct {
	RunID     string `json:"run_id"`
	VideosDir string `json:"videos_dir"`
	FramesDir string `json:"frames_dir"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Aborted 表示因致命错误（抽帧失败/取消）提前终止，剩余视频未处理。
	Aborted bool `json:"aborted"`

	// ErrorCode/ErrorMsg 描述运行级失败（配置/前置条件/抽帧/取消）；正常结束时为空。
	ErrorCode string `json:"error_code,omitempty"`
	ErrorMsg  string `json:"error_msg,omitempty"`

	Summary ReportSummary `json:"summary"`
	Videos  []VideoResult `json:"videos"`
}

type ReportSummary struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`

	Labeled     int `json:"labeled"`
	Duplicates  int `json:"duplicates"`
	FrameFailed int `json:"frame_failed"`
	Uploaded    int `json:"uploaded"`
}

type VideoResult struct {
	Path string `json:"path"`

	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`

	Duration   TimeOfDay  `json:"duration"`
	FirstStamp *TimeOfDay `json:"first_stamp,omitempty"`
	Window     Window     `json:"window"`

	Frames   []FrameResult `json:"frames"`
	Ignored  int           `json:"ignored"`
	Uploaded int           `json:"uploaded"`
}

type Window struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type FrameResult struct {
	Src    string `json:"src"`
	Dst    string `json:"dst"`
	Label  string `json:"label"`
	Status string `json:"status"`

	ErrorKind FrameErrorKind `json:"error_kind,omitempty"`
	ErrorMsg  string         `json:"error_msg,omitempty"`
}

// Finalize 做两件事：
// 1) 时间统一为 UTC（确保 JSON 为 RFC3339 且后缀 Z）
// 2) summary 由 videos 计算得出
//
// videos 的顺序就是处理顺序（按路径字典序），这里不再重排。
func (r *RunReport) Finalize() {
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = r.FinishedAt.UTC()

	var s ReportSummary
	for _, v := range r.Videos {
		switch v.Status {
		case StatusProcessed:
			s.Processed++
		case StatusSkipped:
			s.Skipped++
		case StatusFailed:
			s.Failed++
		}
		for _, f := range v.Frames {
			switch f.Status {
			case FrameStatusLabeled:
				s.Labeled++
			case FrameStatusDuplicate:
				s.Duplicates++
			case FrameStatusFailed:
				s.FrameFailed++
			}
		}
		s.Uploaded += v.Uploaded
	}
	r.Summary = s
}

// MarshalJSON 仅用于集中约束输出的稳定性：nil 切片统一输出为 []。
func (r RunReport) MarshalJSON() ([]byte, error) {
	type Alias RunReport
	a := Alias(r)
	// 复制一份，避免改写调用方共享的底层数组。
	a.Videos = append([]VideoResult{}, r.Videos...)
	for i := range a.Videos {
		if a.Videos[i].Frames == nil {
			a.Videos[i].Frames = []FrameResult{}
		}
	}
	return json.Marshal(a)
}
