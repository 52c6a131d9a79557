package utils

import "strings"

func EnsureDataURL(value string) string {
	if strings.HasPrefix(value, "data:") {
		return value
	}
	return "data:image/jpeg;base64," + value
}

func SplitDataURL(value string) (string, string) {
	if !strings.HasPrefix(value, "data:") {
		return "image/jpeg", value
	}

	value = strings.TrimPrefix(value, "data:")
	parts := strings.SplitN(value, ";base64,", 2)
	if len(parts) != 2 {
		return "image/jpeg", ""
	}
	return parts[0], parts[1]
}

func BuildDataURL(mimeType string, data []byte) string {
	if strings.TrimSpace(mimeType) == "" {
		mimeType = "image/jpeg"
	}
	return "data:" + mimeType + ";base64," + EncodeBase64(data)
}

// ExtensionFromMime 将常见图片 MIME 类型映射为文件扩展名（不含点），
// 无法识别时返回空串由调用方决定回退。
func ExtensionFromMime(mimeType string) string {
	normalized := strings.ToLower(strings.TrimSpace(mimeType))
	if idx := strings.Index(normalized, ";"); idx > 0 {
		normalized = strings.TrimSpace(normalized[:idx])
	}
	switch normalized {
	case "image/png":
		return "png"
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	default:
		return ""
	}
}

// MimeFromExtension 是 ExtensionFromMime 的逆映射，未知扩展名返回空串。
func MimeFromExtension(ext string) string {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), ".")) {
	case "png":
		return "image/png"
	case "jpg", "jpeg":
		return "image/jpeg"
	case "webp":
		return "image/webp"
	case "gif":
		return "image/gif"
	default:
		return ""
	}
}
