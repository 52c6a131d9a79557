package utils

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

// EncodeBase64 统一使用标准字母表编码。
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeMediaPayload decodes an inline base64 or data URL payload and returns
// the raw bytes together with a guessed file extension.
func DecodeMediaPayload(payload string) ([]byte, string, error) {
	trimmed := strings.TrimSpace(payload)
	if trimmed == "" {
		return nil, "", fmt.Errorf("empty media payload")
	}

	mimeType, base64Payload := SplitDataURL(trimmed)
	base64Payload = strings.TrimSpace(base64Payload)
	if base64Payload == "" {
		return nil, "", fmt.Errorf("empty base64 payload")
	}

	data, err := base64.StdEncoding.DecodeString(base64Payload)
	if err != nil {
		return nil, "", fmt.Errorf("decode base64: %w", err)
	}

	ext := ExtensionFromMime(mimeType)
	if ext == "" {
		ext = ExtensionFromMime(http.DetectContentType(data))
	}
	if ext == "" {
		ext = "bin"
	}

	return data, ext, nil
}

// DecodeUploadedImage 解析调用方提交的图片（data URL 或裸 base64）。
func DecodeUploadedImage(payload string) ([]byte, string, error) {
	data, ext, err := DecodeMediaPayload(payload)
	if err == nil {
		return data, ext, nil
	}
	return DecodeMediaPayload(EnsureDataURL(strings.TrimSpace(payload)))
}
