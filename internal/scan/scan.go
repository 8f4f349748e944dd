package scan

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/John-Robertt/framestamp/internal/domain"
)

// ScanVideos 列出 dir 下（不递归）的 .mp4 视频。
//
// 规则（硬约束）：
// - 只看 dir 的直接子项；子目录一律忽略
// - 输出按绝对路径字典序排序，保证处理顺序确定
//
// 注意：扫描阶段只做 stat（DirEntry.Info），不读文件内容。
func ScanVideos(dir string) ([]domain.VideoFile, error) {
	root, err := filepath.Abs(filepath.Clean(dir))
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	files := make([]domain.VideoFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !isVideoExt(filepath.Ext(name)) {
			continue
		}

		info, err := e.Info()
		if err != nil {
			return nil, err
		}

		files = append(files, domain.VideoFile{
			AbsPath: filepath.Join(root, name),
			Name:    name,
			Base:    strings.TrimSuffix(name, filepath.Ext(name)),
			Size:    info.Size(),
			ModUnix: info.ModTime().Unix(),
		})
	}

	// 强制稳定输出，避免不同平台/文件系统行为差异带来的不确定性。
	sort.Slice(files, func(i, j int) bool { return files[i].AbsPath < files[j].AbsPath })
	return files, nil
}

// ListFrames 列出 dir 下所有 .jpg 图片，按文件名排序。
//
// 返回的是目录当前的全部 JPEG（包括之前已改名的帧）；是否处理由调用方按前缀判断。
func ListFrames(dir string) ([]domain.FrameFile, error) {
	root := filepath.Clean(dir)
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	frames := make([]domain.FrameFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) != ".jpg" {
			continue
		}
		frames = append(frames, domain.FrameFile{
			Path: filepath.Join(root, name),
			Name: name,
		})
	}

	sort.Slice(frames, func(i, j int) bool { return frames[i].Name < frames[j].Name })
	return frames, nil
}

// isVideoExt 区分大小写：只认小写 ".mp4"。
func isVideoExt(ext string) bool {
	return ext == ".mp4"
}
