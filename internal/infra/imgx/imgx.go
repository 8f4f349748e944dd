package imgx

import (
	"bytes"
	"errors"
	"image"

	"github.com/disintegration/imaging"
)

// DecodeFile 读取并解码一张帧图片（JPEG/PNG/BMP/TIFF/GIF，取决于 imaging 注册的解码器）。
func DecodeFile(path string) (image.Image, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, err
	}
	if b := img.Bounds(); b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, errors.New("图片尺寸无效")
	}
	return img, nil
}

// Decode 从内存解码（用于 ffmpeg mjpeg 管道输出）。
func Decode(b []byte) (image.Image, error) {
	if len(b) == 0 {
		return nil, errors.New("图片数据为空")
	}
	return imaging.Decode(bytes.NewReader(b))
}

// FitWithin 把图片等比缩小到最长边不超过 maxSide；maxSide<=0 或图片本身更小时原样返回。
func FitWithin(img image.Image, maxSide int) image.Image {
	if img == nil || maxSide <= 0 {
		return img
	}
	b := img.Bounds()
	if b.Dx() <= maxSide && b.Dy() <= maxSide {
		return img
	}
	return imaging.Fit(img, maxSide, maxSide, imaging.Lanczos)
}

// EncodePNG 把图片编码为 PNG（无损，交给推理进程时不再引入二次压缩误差）。
func EncodePNG(img image.Image) ([]byte, error) {
	if img == nil {
		return nil, errors.New("图片为空")
	}
	var out bytes.Buffer
	if err := imaging.Encode(&out, img, imaging.PNG); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
