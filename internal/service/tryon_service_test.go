package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"tryon/internal/entity"
	"tryon/internal/media"
	"tryon/internal/quota"
)

// fakeComposer 按调用顺序回放预设结果，并记录收到的请求。
type fakeComposer struct {
	requests []entity.ComposeRequest
	respond  func(call int, req entity.ComposeRequest) (*entity.ComposeResult, error)
}

func (f *fakeComposer) Compose(ctx context.Context, req entity.ComposeRequest) (*entity.ComposeResult, error) {
	call := len(f.requests)
	f.requests = append(f.requests, req)
	if f.respond == nil {
		return &entity.ComposeResult{
			Path:     req.OutputPath + ".png",
			MimeType: "image/png",
			Data:     []byte("\x89PNG\r\n\x1a\nfake-result"),
		}, nil
	}
	return f.respond(call, req)
}

func validUpload(t *testing.T, name string) entity.Upload {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for i := range img.Pix {
		img.Pix[i] = uint8(i * 7)
	}
	img.Set(0, 0, color.NRGBA{R: 255, A: 255})

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode upload: %v", err)
	}
	return entity.Upload{Name: name, Data: buf.Bytes()}
}

func newServiceForTest(t *testing.T, maxImages int, composer *fakeComposer) (*TryOnService, *quota.Gate) {
	t.Helper()

	registry, err := quota.LoadRegistry(
		fmt.Sprintf(`{"codes": {"abc123": {"name": "体验码001", "max_images": %d}}}`, maxImages), "")
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	ledger, err := quota.NewFileLedgerStore(filepath.Join(t.TempDir(), "usage_stats.json"))
	if err != nil {
		t.Fatalf("create ledger: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })

	gate := quota.NewGate(registry, ledger)
	svc := NewTryOnService(gate, composer, media.NewNormalizer(), nil, "default try-on prompt", t.TempDir())
	return svc, gate
}

func uploads(t *testing.T, kind string, n int) []entity.Upload {
	t.Helper()
	out := make([]entity.Upload, n)
	for i := range out {
		out[i] = validUpload(t, fmt.Sprintf("%s-%d.png", kind, i+1))
	}
	return out
}

func TestRunBatchSinglePair(t *testing.T) {
	composer := &fakeComposer{}
	svc, gate := newServiceForTest(t, 10, composer)
	session := NewSessionContext("abc123", "体验码001")

	result, err := svc.RunBatch(context.Background(), session, entity.BatchRequest{
		Mode:      entity.BatchModeSingle,
		Portraits: uploads(t, "portrait", 1),
		Garments:  uploads(t, "garment", 1),
	}, nil)
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}

	if result.Succeeded != 1 || result.Failed != 0 || result.Skipped != 0 {
		t.Fatalf("unexpected counts: %+v", result)
	}
	if len(composer.requests) != 1 {
		t.Fatalf("expected 1 compose call, got %d", len(composer.requests))
	}
	if got := len(composer.requests[0].Images); got != 2 {
		t.Fatalf("expected 2 images in request, got %d", got)
	}
	if result.Items[0].Label != "result" || result.Items[0].Status != entity.ItemStatusSucceeded {
		t.Fatalf("unexpected item: %+v", result.Items[0])
	}
	if result.Remaining != 9 {
		t.Fatalf("expected remaining 9, got %d", result.Remaining)
	}

	// 成功恰好记一笔账，首次使用时间戳成对出现
	usage, err := gate.Usage(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if usage.TotalGenerated != 1 {
		t.Fatalf("expected ledger total 1, got %d", usage.TotalGenerated)
	}
	if usage.FirstUsed == nil || usage.LastUsed == nil || !usage.FirstUsed.Equal(*usage.LastUsed) {
		t.Fatal("expected first_used == last_used after first generation")
	}

	if history := session.History(); len(history) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(history))
	}
}

func TestRunBatchPerGarmentQuotaExhaustion(t *testing.T) {
	composer := &fakeComposer{}
	svc, gate := newServiceForTest(t, 2, composer)
	session := NewSessionContext("abc123", "体验码001")

	result, err := svc.RunBatch(context.Background(), session, entity.BatchRequest{
		Mode:      entity.BatchModePerGarment,
		Portraits: uploads(t, "portrait", 1),
		Garments:  uploads(t, "garment", 5),
	}, nil)
	if err != nil {
		t.Fatalf("expected no error on mid-batch exhaustion, got %v", err)
	}

	if result.Succeeded != 2 || result.Skipped != 3 || result.Failed != 0 {
		t.Fatalf("expected 2 succeeded / 3 skipped, got %+v", result)
	}
	if len(composer.requests) != 2 {
		t.Fatalf("expected exactly 2 compose calls, got %d", len(composer.requests))
	}

	for i, item := range result.Items {
		wantLabel := fmt.Sprintf("look %d", i+1)
		if item.Label != wantLabel {
			t.Errorf("item %d: expected label %q, got %q", i, wantLabel, item.Label)
		}
		wantStatus := entity.ItemStatusSucceeded
		if i >= 2 {
			wantStatus = entity.ItemStatusSkipped
		}
		if item.Status != wantStatus {
			t.Errorf("item %d: expected status %s, got %s", i, wantStatus, item.Status)
		}
	}

	usage, err := gate.Usage(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if usage.TotalGenerated != 2 {
		t.Fatalf("expected ledger total 2, got %d", usage.TotalGenerated)
	}
	if len(session.History()) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(session.History()))
	}
}

func TestRunBatchFailedCallContinuesWithoutConsuming(t *testing.T) {
	composer := &fakeComposer{
		respond: func(call int, req entity.ComposeRequest) (*entity.ComposeResult, error) {
			if call == 1 {
				return nil, errors.New("generation failed after 3 attempts")
			}
			return &entity.ComposeResult{
				Path:     req.OutputPath + ".png",
				MimeType: "image/png",
				Data:     []byte("\x89PNG\r\n\x1a\nfake"),
			}, nil
		},
	}
	svc, gate := newServiceForTest(t, 10, composer)
	session := NewSessionContext("abc123", "体验码001")

	result, err := svc.RunBatch(context.Background(), session, entity.BatchRequest{
		Mode:      entity.BatchModePerGarment,
		Portraits: uploads(t, "portrait", 1),
		Garments:  uploads(t, "garment", 3),
	}, nil)
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}

	if result.Succeeded != 2 || result.Failed != 1 {
		t.Fatalf("expected 2 succeeded / 1 failed, got %+v", result)
	}
	if result.Items[1].Status != entity.ItemStatusFailed || result.Items[1].Error == "" {
		t.Fatalf("expected failed middle item with reason, got %+v", result.Items[1])
	}

	// 失败的调用不得记账
	usage, err := gate.Usage(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if usage.TotalGenerated != 2 {
		t.Fatalf("expected ledger total 2, got %d", usage.TotalGenerated)
	}
	if len(session.History()) != 2 {
		t.Fatalf("history must only hold successes, got %d entries", len(session.History()))
	}
}

func TestRunBatchFusionSendsAllGarmentsInOneCall(t *testing.T) {
	composer := &fakeComposer{}
	svc, _ := newServiceForTest(t, 10, composer)
	session := NewSessionContext("abc123", "体验码001")

	result, err := svc.RunBatch(context.Background(), session, entity.BatchRequest{
		Mode:      entity.BatchModeFusion,
		Portraits: uploads(t, "portrait", 2),
		Garments:  uploads(t, "garment", 4),
	}, nil)
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}

	if len(composer.requests) != 1 {
		t.Fatalf("fusion must issue exactly one call, got %d", len(composer.requests))
	}
	// 第一张人像 + 全部 4 件服装
	if got := len(composer.requests[0].Images); got != 5 {
		t.Fatalf("expected 5 images in fusion call, got %d", got)
	}
	if result.Items[0].Label != "result" {
		t.Fatalf("unexpected label %q", result.Items[0].Label)
	}
}

func TestRunBatchMultiSceneIssuesOneCallPerPortrait(t *testing.T) {
	composer := &fakeComposer{}
	svc, _ := newServiceForTest(t, 10, composer)
	session := NewSessionContext("abc123", "体验码001")

	result, err := svc.RunBatch(context.Background(), session, entity.BatchRequest{
		Mode:      entity.BatchModeMultiScene,
		Portraits: uploads(t, "portrait", 3),
		Garments:  uploads(t, "garment", 2),
	}, nil)
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}

	if len(composer.requests) != 3 {
		t.Fatalf("expected one call per portrait, got %d", len(composer.requests))
	}
	for i, req := range composer.requests {
		if len(req.Images) != 3 {
			t.Errorf("call %d: expected portrait + 2 garments, got %d images", i, len(req.Images))
		}
	}
	if result.Items[2].Label != "scene 3" {
		t.Fatalf("unexpected label %q", result.Items[2].Label)
	}
}

func TestRunBatchInvalidGarmentFailsOnlyThatItem(t *testing.T) {
	composer := &fakeComposer{}
	svc, _ := newServiceForTest(t, 10, composer)
	session := NewSessionContext("abc123", "体验码001")

	garments := uploads(t, "garment", 3)
	garments[1] = entity.Upload{Name: "broken.bin", Data: []byte("not an image")}

	result, err := svc.RunBatch(context.Background(), session, entity.BatchRequest{
		Mode:      entity.BatchModePerGarment,
		Portraits: uploads(t, "portrait", 1),
		Garments:  garments,
	}, nil)
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}

	if result.Succeeded != 2 || result.Failed != 1 {
		t.Fatalf("expected 2 succeeded / 1 failed, got %+v", result)
	}
	if result.Items[1].Status != entity.ItemStatusFailed {
		t.Fatalf("expected middle item failed, got %+v", result.Items[1])
	}
	if len(composer.requests) != 2 {
		t.Fatalf("invalid image must not reach the composer, got %d calls", len(composer.requests))
	}
}

func TestRunBatchValidatesShape(t *testing.T) {
	composer := &fakeComposer{}
	svc, _ := newServiceForTest(t, 10, composer)
	session := NewSessionContext("abc123", "体验码001")

	tests := []struct {
		name string
		req  entity.BatchRequest
	}{
		{
			name: "无人像",
			req:  entity.BatchRequest{Mode: entity.BatchModeSingle, Garments: uploads(t, "garment", 1)},
		},
		{
			name: "无服装",
			req:  entity.BatchRequest{Mode: entity.BatchModeSingle, Portraits: uploads(t, "portrait", 1)},
		},
		{
			name: "single模式多件服装",
			req: entity.BatchRequest{
				Mode:      entity.BatchModeSingle,
				Portraits: uploads(t, "portrait", 1),
				Garments:  uploads(t, "garment", 2),
			},
		},
		{
			name: "未知模式",
			req: entity.BatchRequest{
				Mode:      entity.BatchMode("bogus"),
				Portraits: uploads(t, "portrait", 1),
				Garments:  uploads(t, "garment", 1),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.RunBatch(context.Background(), session, tt.req, nil); err == nil {
				t.Fatal("expected shape validation error")
			}
		})
	}
	if len(composer.requests) != 0 {
		t.Fatalf("invalid batches must not reach the composer, got %d calls", len(composer.requests))
	}
}

func TestRunBatchCleansScratchDir(t *testing.T) {
	scratchRoot := t.TempDir()

	composer := &fakeComposer{}
	svc, _ := newServiceForTest(t, 10, composer)
	svc.scratchDir = scratchRoot
	session := NewSessionContext("abc123", "体验码001")

	if _, err := svc.RunBatch(context.Background(), session, entity.BatchRequest{
		Mode:      entity.BatchModeSingle,
		Portraits: uploads(t, "portrait", 1),
		Garments:  uploads(t, "garment", 1),
	}, nil); err != nil {
		t.Fatalf("run batch: %v", err)
	}

	entries, err := os.ReadDir(scratchRoot)
	if err != nil {
		t.Fatalf("read scratch root: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected scratch dir to be removed, found %d entries", len(entries))
	}
}

func TestRunBatchReportsProgress(t *testing.T) {
	composer := &fakeComposer{}
	svc, _ := newServiceForTest(t, 10, composer)
	session := NewSessionContext("abc123", "体验码001")

	var percents []int
	progress := func(percent int, status string) {
		percents = append(percents, percent)
		if status == "" {
			t.Error("expected non-empty status text")
		}
	}

	if _, err := svc.RunBatch(context.Background(), session, entity.BatchRequest{
		Mode:      entity.BatchModePerGarment,
		Portraits: uploads(t, "portrait", 1),
		Garments:  uploads(t, "garment", 2),
	}, progress); err != nil {
		t.Fatalf("run batch: %v", err)
	}

	if len(percents) < 3 {
		t.Fatalf("expected start, per-item and completion callbacks, got %v", percents)
	}
	if percents[0] != 0 || percents[len(percents)-1] != 100 {
		t.Fatalf("expected progress from 0 to 100, got %v", percents)
	}
}
