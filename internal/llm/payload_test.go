package llm

import (
	"bytes"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

var (
	pngHeader  = []byte("\x89PNG\r\n\x1a\nrest-of-image")
	jpegHeader = []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10}
)

func TestSniffImageFormat(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{name: "png", data: pngHeader, want: "png"},
		{name: "jpeg", data: jpegHeader, want: "jpg"},
		{name: "webp", data: []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), want: "webp"},
		{name: "unknown", data: []byte("plain text"), want: ""},
		{name: "empty", data: nil, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sniffImageFormat(tt.data); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestDecodeInlinePayload(t *testing.T) {
	bigImage := append(append([]byte{}, pngHeader...), bytes.Repeat([]byte{0xAB}, 4096)...)

	t.Run("原始二进制直接采用", func(t *testing.T) {
		if got := decodeInlinePayload(bigImage); !bytes.Equal(got, bigImage) {
			t.Fatal("raw image bytes must pass through unchanged")
		}
	})

	t.Run("base64文本解码后逐字节一致", func(t *testing.T) {
		encoded := []byte(base64.StdEncoding.EncodeToString(bigImage))
		if got := decodeInlinePayload(encoded); !bytes.Equal(got, bigImage) {
			t.Fatal("expected decoded bytes to match original exactly")
		}
	})

	t.Run("非base64按原始字节保留", func(t *testing.T) {
		payload := []byte("!!not base64 at all!!")
		if got := decodeInlinePayload(payload); !bytes.Equal(got, payload) {
			t.Fatal("undecodable payload must be kept as-is")
		}
	})

	t.Run("解码产物过小视为误判", func(t *testing.T) {
		// "abcd" 能按 base64 解码，但产物只有 3 字节，对图片不可信
		payload := []byte("abcd")
		if got := decodeInlinePayload(payload); !bytes.Equal(got, payload) {
			t.Fatal("implausibly small decode must keep raw bytes")
		}
	})

	t.Run("小图但嗅探通过仍采用", func(t *testing.T) {
		encoded := []byte(base64.StdEncoding.EncodeToString(pngHeader))
		if got := decodeInlinePayload(encoded); !bytes.Equal(got, pngHeader) {
			t.Fatal("decoded bytes sniffing as an image must be accepted regardless of size")
		}
	})
}

func TestValidateResultFile(t *testing.T) {
	t.Run("有效图片通过", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ok.png")
		if err := os.WriteFile(path, pngHeader, 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		repaired, err := validateResultFile(path)
		if err != nil || repaired != nil {
			t.Fatalf("expected clean pass, repaired=%v err=%v", repaired != nil, err)
		}
	})

	t.Run("base64文本修复并原子替换", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "encoded.png")
		encoded := base64.StdEncoding.EncodeToString(jpegHeader)
		if err := os.WriteFile(path, []byte(encoded), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}

		repaired, err := validateResultFile(path)
		if err != nil {
			t.Fatalf("expected repair to succeed: %v", err)
		}
		if !bytes.Equal(repaired, jpegHeader) {
			t.Fatal("repaired bytes mismatch")
		}

		onDisk, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read repaired file: %v", err)
		}
		if !bytes.Equal(onDisk, jpegHeader) {
			t.Fatal("expected repaired bytes on disk")
		}
	})

	t.Run("无法修复返回PayloadCorrupt", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "corrupt.png")
		if err := os.WriteFile(path, []byte("!!garbage!!"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := validateResultFile(path); !errors.Is(err, ErrPayloadCorrupt) {
			t.Fatalf("expected ErrPayloadCorrupt, got %v", err)
		}
	})
}
