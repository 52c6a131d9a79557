package llm

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// 上游把内联图片数据既可能按原始二进制、也可能按 base64 文本返回，
// 且不带任何编码标记。小于该阈值的解码产物对一张图片来说可疑，按
// 误判处理、保留原始字节。
const minPlausibleImageSize = 1000

// decodeInlinePayload 启发式解码：已经能嗅探出图片格式的字节直接采用；
// 否则尝试严格 base64 解码，解码产物嗅探通过或尺寸可信则采用，其余情况
// 一律保留原始字节。
func decodeInlinePayload(payload []byte) []byte {
	if sniffImageFormat(payload) != "" {
		return payload
	}

	text := strings.TrimSpace(string(payload))
	decoded, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return payload
	}
	if sniffImageFormat(decoded) == "" && len(decoded) < minPlausibleImageSize {
		logrus.WithField("decoded_size", len(decoded)).Warn("base64 decode produced implausibly small payload, keeping raw bytes")
		return payload
	}
	return decoded
}

// sniffImageFormat 按魔数识别 PNG/JPEG/WebP，识别不出返回空串。
func sniffImageFormat(data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")):
		return "png"
	case bytes.HasPrefix(data, []byte{0xff, 0xd8, 0xff}):
		return "jpg"
	case len(data) >= 12 && bytes.HasPrefix(data, []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return "webp"
	default:
		return ""
	}
}

// validateResultFile 重新打开落盘文件并嗅探魔数。嗅探失败时把磁盘字节当
// base64 文本尽力修复：解码后再校验，修复成功则原子替换原文件并返回修复
// 后的字节；修复失败返回 ErrPayloadCorrupt。
func validateResultFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reopen result: %w", err)
	}
	if sniffImageFormat(data) != "" {
		return nil, nil
	}

	decoded, decodeErr := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if decodeErr != nil || sniffImageFormat(decoded) == "" {
		return nil, fmt.Errorf("%w: unrecognized leading bytes", ErrPayloadCorrupt)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, decoded, 0o644); err != nil {
		return nil, fmt.Errorf("write repaired result: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, fmt.Errorf("replace result with repaired copy: %w", err)
	}
	return decoded, nil
}
