package domain

import (
	"errors"
	"fmt"
)

// FrameFile 是 Frame Sampler 写出的一张待分类图片。
//
// 所有权：抽帧结束后由流水线独占，且只被消费一次（重命名、删除或原地保留）。
type FrameFile struct {
	Path string
	Name string
}

// FrameErrorKind 标记单帧失败发生在哪一步。
type FrameErrorKind string

const (
	FrameErrDecode   FrameErrorKind = "decode_failed"
	FrameErrClassify FrameErrorKind = "classify_failed"
	FrameErrRename   FrameErrorKind = "rename_failed"
)

// FrameError 是单帧级失败：该文件被放弃（保持原状），循环继续处理下一帧。
type FrameError struct {
	Kind FrameErrorKind
	Path string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Path)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Path, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

// FrameErrorKindOf 从 error 中提取 Kind；不是 *FrameError 时返回空串。
func FrameErrorKindOf(err error) FrameErrorKind {
	var fe *FrameError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}
