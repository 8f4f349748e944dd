package domain

// VideoFile 描述一次扫描得到的输入视频（VideoHandle）。
//
// 不变量（实现必须遵守）：
// - AbsPath 必须是 clean + absolute
// - 扫描阶段只做 stat，不读文件内容
// - 处理完成后即丢弃，不跨视频复用
type VideoFile struct {
	AbsPath string
	Name    string // 含扩展名，例如 "cam01.mp4"
	Base    string // 不含扩展名
	Size    int64
	ModUnix int64
}
