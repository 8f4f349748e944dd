package domain

import "fmt"

// TimeOfDay 是 (hour, minute, second) 三元组。
//
// 既用于视频总时长，也用于分类器从画面时钟读出的时间。
// 不做任何范围校验：小时不按 24 回绕，分/秒也不截断。
type TimeOfDay struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
	Second int `json:"second"`
}

// SplitSeconds 把总秒数拆成 H/M/S（小时不设上限）。
func SplitSeconds(total int) TimeOfDay {
	if total < 0 {
		total = 0
	}
	return TimeOfDay{
		Hour:   total / 3600,
		Minute: (total % 3600) / 60,
		Second: total % 60,
	}
}

// String 输出不补零的 "H:M:S"。
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%d:%d:%d", t.Hour, t.Minute, t.Second)
}
