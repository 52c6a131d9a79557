package media

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"

	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"
	"github.com/sirupsen/logrus"
)

// ErrInvalidImage 上传的字节无法解码为图片。
var ErrInvalidImage = errors.New("invalid image")

// JPEGQuality 归一化输出的固定编码质量。
const JPEGQuality = 95

// Normalizer 把任意上传图片转成规范形态：方向摆正、不透明、三通道 RGB、
// JPEG 质量 95。输出对同一输入是确定的。
type Normalizer struct{}

// NewNormalizer 创建归一化器。
func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// Normalize 返回规范编码后的图片字节。
//
// 已经是规范形态的输入（解码为 YCbCr、无方向元数据的 JPEG）原样返回，
// 这使归一化满足幂等：normalize(normalize(x)) 与 normalize(x) 字节一致。
// 灰度和 CMYK 的 JPEG 不走捷径，须重编码成三通道。
func (n *Normalizer) Normalize(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidImage)
	}

	src, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidImage, err)
	}

	orientation := readOrientation(raw)
	if _, threeChannel := src.(*image.YCbCr); format == "jpeg" && threeChannel && orientation <= 1 {
		return raw, nil
	}

	src = applyOrientation(src, orientation)
	src = flattenOntoWhite(src)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, fmt.Errorf("encode normalized image: %w", err)
	}
	return buf.Bytes(), nil
}

// NormalizeToFile 归一化后写入 path。
func (n *Normalizer) NormalizeToFile(raw []byte, path string) error {
	data, err := n.Normalize(raw)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write normalized image: %w", err)
	}
	return nil
}

// readOrientation 尽力读取 EXIF 方向标签；任何读取失败都按 1（无需旋转）
// 处理，元数据损坏不应导致整张图片被拒绝。
func readOrientation(raw []byte) int {
	meta, err := exif.Decode(bytes.NewReader(raw))
	if err != nil {
		return 1
	}
	tag, err := meta.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	value, err := tag.Int(0)
	if err != nil {
		return 1
	}
	return value
}

// applyOrientation 处理三种非平凡方向：3 旋转180°，6 顺时针90°（逆时针
// 270°），8 逆时针90°。其余取值原样通过。
func applyOrientation(src image.Image, orientation int) image.Image {
	switch orientation {
	case 3:
		return imaging.Rotate180(src)
	case 6:
		return imaging.Rotate270(src)
	case 8:
		return imaging.Rotate90(src)
	default:
		return src
	}
}

// flattenOntoWhite 带透明通道的图片以 alpha 为蒙版叠到不透明白底上，
// 其余色彩模型尽力转为三通道。
func flattenOntoWhite(src image.Image) image.Image {
	if isOpaque(src) {
		return imaging.Clone(src)
	}

	bounds := src.Bounds()
	background := imaging.New(bounds.Dx(), bounds.Dy(), color.White)
	flattened := imaging.Overlay(background, src, image.Pt(0, 0), 1.0)
	logrus.WithFields(logrus.Fields{
		"width":  bounds.Dx(),
		"height": bounds.Dy(),
	}).Debug("flattened transparent image onto white background")
	return flattened
}

func isOpaque(src image.Image) bool {
	if o, ok := src.(interface{ Opaque() bool }); ok {
		return o.Opaque()
	}
	return true
}
