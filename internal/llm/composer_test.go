package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tryon/internal/entity"
)

type fakeDriver struct {
	calls   int
	results []func() (*driverResult, error)
}

func (f *fakeDriver) Name() string { return "fake" }

func (f *fakeDriver) generate(ctx context.Context, req entity.ComposeRequest) (*driverResult, error) {
	idx := f.calls
	f.calls++
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	return f.results[idx]()
}

func countingWait(counter *int) func(ctx context.Context, d time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*counter++
		return nil
	}
}

// samplePNG 生成一张噪声图，保证编码后足够大，能越过 base64 解码
// 启发式的最小尺寸地板。
func samplePNG(t *testing.T) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, 64, 64))
	seed := uint32(0x12345678)
	for i := range img.Pix {
		seed = seed*1664525 + 1013904223
		img.Pix[i] = uint8(seed >> 24)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func composeRequest(t *testing.T, imageCount int) entity.ComposeRequest {
	t.Helper()
	dir := t.TempDir()

	images := make([]entity.ComposeInput, 0, imageCount)
	for i := 0; i < imageCount; i++ {
		path := filepath.Join(dir, "input"+string(rune('a'+i))+".jpg")
		if err := os.WriteFile(path, []byte{0xff, 0xd8, 0xff, 0xe0}, 0o644); err != nil {
			t.Fatalf("write input: %v", err)
		}
		images = append(images, entity.ComposeInput{Path: path, MimeType: "image/jpeg"})
	}
	return entity.ComposeRequest{
		Images:      images,
		Instruction: "put the garment on the person",
		OutputPath:  filepath.Join(dir, "result"),
	}
}

func TestComposeRejectsFewerThanTwoImages(t *testing.T) {
	driver := &fakeDriver{results: []func() (*driverResult, error){
		func() (*driverResult, error) { t.Fatal("driver must not be called"); return nil, nil },
	}}
	client := NewClient(driver, DefaultRetryPolicy)

	req := composeRequest(t, 1)
	_, err := client.Compose(context.Background(), req)
	if !errors.Is(err, ErrGenerationFailed) {
		t.Fatalf("expected ErrGenerationFailed, got %v", err)
	}
	if driver.calls != 0 {
		t.Fatalf("expected no driver calls, got %d", driver.calls)
	}
}

func TestComposeRetriesThenSucceeds(t *testing.T) {
	pngBytes := samplePNG(t)
	driver := &fakeDriver{results: []func() (*driverResult, error){
		func() (*driverResult, error) { return nil, errors.New("transient network error") },
		func() (*driverResult, error) { return &driverResult{}, nil }, // 空响应同样消耗一次尝试
		func() (*driverResult, error) {
			return &driverResult{Payload: pngBytes, MimeType: "image/png"}, nil
		},
	}}

	client := NewClient(driver, RetryPolicy{MaxAttempts: 3, Backoff: 2 * time.Second})
	waits := 0
	client.wait = countingWait(&waits)

	result, err := client.Compose(context.Background(), composeRequest(t, 2))
	if err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if driver.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", driver.calls)
	}
	if waits != 2 {
		t.Fatalf("expected exactly 2 backoff waits, got %d", waits)
	}
	if !bytes.Equal(result.Data, pngBytes) {
		t.Fatal("result bytes do not match generated image")
	}
}

func TestComposeExhaustsRetries(t *testing.T) {
	driver := &fakeDriver{results: []func() (*driverResult, error){
		func() (*driverResult, error) { return nil, errors.New("upstream unavailable") },
	}}

	client := NewClient(driver, RetryPolicy{MaxAttempts: 3, Backoff: time.Second})
	waits := 0
	client.wait = countingWait(&waits)

	_, err := client.Compose(context.Background(), composeRequest(t, 2))
	if !errors.Is(err, ErrGenerationFailed) {
		t.Fatalf("expected ErrGenerationFailed, got %v", err)
	}
	if driver.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", driver.calls)
	}
	if waits != 2 {
		t.Fatalf("expected 2 backoff waits, got %d", waits)
	}
}

func TestComposeDecodesBase64Payload(t *testing.T) {
	pngBytes := samplePNG(t)
	encoded := []byte(base64.StdEncoding.EncodeToString(pngBytes))

	driver := &fakeDriver{results: []func() (*driverResult, error){
		func() (*driverResult, error) {
			return &driverResult{Payload: encoded, MimeType: "image/png"}, nil
		},
	}}
	client := NewClient(driver, DefaultRetryPolicy)

	result, err := client.Compose(context.Background(), composeRequest(t, 2))
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	// base64 文本载荷必须被还原成与原图逐字节一致
	if !bytes.Equal(result.Data, pngBytes) {
		t.Fatal("expected decoded payload to match original png bit-for-bit")
	}

	onDisk, err := os.ReadFile(result.Path)
	if err != nil {
		t.Fatalf("read result file: %v", err)
	}
	if !bytes.Equal(onDisk, pngBytes) {
		t.Fatal("expected file on disk to hold raw png bytes")
	}
}

func TestComposeKeepsRawBinaryPayload(t *testing.T) {
	pngBytes := samplePNG(t)
	driver := &fakeDriver{results: []func() (*driverResult, error){
		func() (*driverResult, error) {
			return &driverResult{Payload: pngBytes, MimeType: "image/png"}, nil
		},
	}}
	client := NewClient(driver, DefaultRetryPolicy)

	result, err := client.Compose(context.Background(), composeRequest(t, 2))
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if !bytes.Equal(result.Data, pngBytes) {
		t.Fatal("raw binary payload must pass through unchanged")
	}
	if result.Warning != "" {
		t.Fatalf("unexpected warning: %s", result.Warning)
	}
}

func TestComposeUnknownMimeFallsBackToPNG(t *testing.T) {
	pngBytes := samplePNG(t)
	driver := &fakeDriver{results: []func() (*driverResult, error){
		func() (*driverResult, error) {
			return &driverResult{Payload: pngBytes, MimeType: "application/x-mystery"}, nil
		},
	}}
	client := NewClient(driver, DefaultRetryPolicy)

	result, err := client.Compose(context.Background(), composeRequest(t, 2))
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if filepath.Ext(result.Path) != ".png" {
		t.Fatalf("expected .png fallback, got %s", result.Path)
	}
	if result.MimeType != "image/png" {
		t.Fatalf("expected image/png, got %s", result.MimeType)
	}
}

func TestComposeRepairsDoubleEncodedPayload(t *testing.T) {
	pngBytes := samplePNG(t)
	// 双重编码：启发式解一层后落盘的仍是 base64 文本，靠落盘校验修复
	doubleEncoded := []byte(base64.StdEncoding.EncodeToString(
		[]byte(base64.StdEncoding.EncodeToString(pngBytes))))

	driver := &fakeDriver{results: []func() (*driverResult, error){
		func() (*driverResult, error) {
			return &driverResult{Payload: doubleEncoded, MimeType: "image/png"}, nil
		},
	}}
	client := NewClient(driver, DefaultRetryPolicy)

	result, err := client.Compose(context.Background(), composeRequest(t, 2))
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if result.Warning != "" {
		t.Fatalf("expected repair to succeed, got warning %q", result.Warning)
	}

	onDisk, err := os.ReadFile(result.Path)
	if err != nil {
		t.Fatalf("read result file: %v", err)
	}
	if !bytes.Equal(onDisk, pngBytes) {
		t.Fatal("expected repaired file to hold raw png bytes")
	}
	if !bytes.Equal(result.Data, pngBytes) {
		t.Fatal("expected result data to hold repaired bytes")
	}
}

func TestComposeFlagsUnrepairablePayload(t *testing.T) {
	garbage := bytes.Repeat([]byte("@"), 2048) // 非图片也非合法 base64

	driver := &fakeDriver{results: []func() (*driverResult, error){
		func() (*driverResult, error) {
			return &driverResult{Payload: garbage, MimeType: "image/png"}, nil
		},
	}}
	client := NewClient(driver, DefaultRetryPolicy)

	result, err := client.Compose(context.Background(), composeRequest(t, 2))
	if err != nil {
		t.Fatalf("expected result with warning, got error %v", err)
	}
	if result.Warning == "" {
		t.Fatal("expected validation warning on corrupt payload")
	}
}
