package service

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tryon/internal/entity"
	"tryon/internal/llm"
	"tryon/internal/media"
	"tryon/internal/quota"
	"tryon/internal/storage"
	"tryon/internal/utils"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProgressFunc 进度回调：百分比加状态文本，由 API 层转发给前端，
// 不要求返回值。
type ProgressFunc func(percent int, status string)

// TryOnService 试穿批次编排器。每个条目遵循同一套纪律：调用前重查配额，
// 成功后记账并写入会话历史，失败记录后继续下一条。
type TryOnService struct {
	gate       *quota.Gate
	composer   llm.Composer
	normalizer *media.Normalizer
	storage    storage.Storage

	defaultPrompt string
	scratchDir    string
}

// NewTryOnService 创建编排器。storage 可为 nil（仅跳过归档）。
func NewTryOnService(gate *quota.Gate, composer llm.Composer, normalizer *media.Normalizer, store storage.Storage, defaultPrompt, scratchDir string) *TryOnService {
	return &TryOnService{
		gate:          gate,
		composer:      composer,
		normalizer:    normalizer,
		storage:       store,
		defaultPrompt: defaultPrompt,
		scratchDir:    scratchDir,
	}
}

// normalizedInput 一张归一化后的批次输入。invalid 非 nil 时该图不可用，
// 依赖它的条目按失败处理。
type normalizedInput struct {
	input   entity.ComposeInput
	invalid error
}

// batchItem 批次计划里的一个条目。
type batchItem struct {
	label  string
	inputs []entity.ComposeInput
	// 计划期失败（无效图片等），跳过调用直接记为失败
	planErr error
}

// RunBatch 执行一个试穿批次。批内调用严格按输入顺序串行发出；单条失败
// 不会中断批次，配额耗尽时剩余条目标记 skipped 并保留已产出的结果。
// 返回 error 仅用于致命条件（配额台账写失败、无可用输入、临时目录失败）。
func (s *TryOnService) RunBatch(ctx context.Context, session *SessionContext, req entity.BatchRequest, progress ProgressFunc) (*entity.BatchResult, error) {
	if progress == nil {
		progress = func(int, string) {}
	}
	if session == nil {
		return nil, errors.New("session context is required")
	}

	if err := validateBatchShape(req); err != nil {
		return nil, err
	}

	// 批次级临时目录，所有退出路径上无条件清理
	scratch, err := os.MkdirTemp(s.scratchDir, "tryon-batch-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	progress(0, "normalizing input images")

	portraits := s.normalizeUploads(ctx, scratch, "portrait", req.Portraits)
	garments := s.normalizeUploads(ctx, scratch, "garment", req.Garments)

	items, err := buildBatchPlan(req.Mode, portraits, garments)
	if err != nil {
		return nil, err
	}

	instruction := strings.TrimSpace(req.Instruction)
	if instruction == "" {
		instruction = s.defaultPrompt
	}

	result := &entity.BatchResult{
		BatchID: uuid.NewString(),
		Mode:    req.Mode,
		Items:   make([]entity.BatchItem, len(items)),
	}

	quotaExhausted := false
	for idx, item := range items {
		entry := entity.BatchItem{Index: idx, Label: item.label, Status: entity.ItemStatusPending}

		if quotaExhausted {
			entry.Status = entity.ItemStatusSkipped
			entry.Error = quota.ErrQuotaExhausted.Error()
			result.Items[idx] = entry
			result.Skipped++
			continue
		}

		if item.planErr != nil {
			entry.Status = entity.ItemStatusFailed
			entry.Error = item.planErr.Error()
			result.Items[idx] = entry
			result.Failed++
			continue
		}

		// 配额在批内共享，必须在每次调用前重查，而非整批查一次
		remaining, err := s.gate.Remaining(ctx, session.Code)
		if err != nil {
			return result, err
		}
		if remaining <= 0 {
			quotaExhausted = true
			entry.Status = entity.ItemStatusSkipped
			entry.Error = quota.ErrQuotaExhausted.Error()
			result.Items[idx] = entry
			result.Skipped++
			logrus.WithFields(logrus.Fields{
				"batch_id": result.BatchID,
				"label":    item.label,
			}).Info("quota exhausted mid-batch, skipping remaining items")
			continue
		}

		progress(percentFor(idx, len(items)), fmt.Sprintf("generating %s (%d/%d)", item.label, idx+1, len(items)))

		composeResult, err := s.composer.Compose(ctx, entity.ComposeRequest{
			Images:      item.inputs,
			Instruction: instruction,
			OutputPath:  filepath.Join(scratch, fmt.Sprintf("result_%d", idx)),
		})
		if err != nil {
			entry.Status = entity.ItemStatusFailed
			entry.Error = err.Error()
			result.Items[idx] = entry
			result.Failed++
			logrus.WithError(err).WithFields(logrus.Fields{
				"batch_id": result.BatchID,
				"label":    item.label,
			}).Error("generation failed for batch item")
			progress(percentFor(idx+1, len(items)), fmt.Sprintf("%s failed", item.label))
			continue
		}

		// 只有成功的调用才记账；台账写失败致命，立即终止批次
		if _, err := s.gate.Consume(ctx, session.Code); err != nil {
			return result, err
		}

		now := time.Now().UTC()
		entry.Status = entity.ItemStatusSucceeded
		entry.MimeType = composeResult.MimeType
		entry.Image = utils.BuildDataURL(composeResult.MimeType, composeResult.Data)
		entry.Warning = composeResult.Warning
		entry.CreatedAt = &now
		entry.StoredPath = s.archiveResult(ctx, composeResult, result.BatchID, idx)
		result.Items[idx] = entry
		result.Succeeded++

		session.AppendHistory(entity.HistoryEntry{
			Label:      item.label,
			Image:      entry.Image,
			MimeType:   composeResult.MimeType,
			Size:       len(composeResult.Data),
			StoredPath: entry.StoredPath,
			CreatedAt:  now,
		})
		progress(percentFor(idx+1, len(items)), fmt.Sprintf("%s done", item.label))
	}

	remaining, err := s.gate.Remaining(ctx, session.Code)
	if err != nil {
		return result, err
	}
	result.Remaining = remaining

	progress(100, "batch complete")
	logrus.WithFields(logrus.Fields{
		"batch_id":  result.BatchID,
		"mode":      result.Mode,
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
		"skipped":   result.Skipped,
		"remaining": result.Remaining,
	}).Info("try-on batch finished")
	return result, nil
}

// validateBatchShape 校验各模式的输入形状。
func validateBatchShape(req entity.BatchRequest) error {
	if len(req.Portraits) == 0 {
		return errors.New("at least one portrait is required")
	}
	if len(req.Garments) == 0 {
		return errors.New("at least one garment is required")
	}
	switch req.Mode {
	case entity.BatchModeSingle:
		if len(req.Portraits) != 1 || len(req.Garments) != 1 {
			return errors.New("single mode takes exactly one portrait and one garment")
		}
	case entity.BatchModeFusion, entity.BatchModePerGarment, entity.BatchModeMultiScene:
	default:
		return fmt.Errorf("unsupported batch mode: %s", req.Mode)
	}
	return nil
}

// normalizeUploads 把一组上传图片归一化进临时目录，并尽力归档原始输入。
// 单张失败不终止批次，失败原因随图带给依赖它的条目。
func (s *TryOnService) normalizeUploads(ctx context.Context, scratch, kind string, uploads []entity.Upload) []normalizedInput {
	out := make([]normalizedInput, len(uploads))
	for idx, upload := range uploads {
		path := filepath.Join(scratch, fmt.Sprintf("%s_%d.jpg", kind, idx))
		if err := s.normalizer.NormalizeToFile(upload.Data, path); err != nil {
			name := strings.TrimSpace(upload.Name)
			if name == "" {
				name = fmt.Sprintf("%s %d", kind, idx+1)
			}
			out[idx] = normalizedInput{invalid: fmt.Errorf("%s: %w", name, err)}
			logrus.WithError(err).WithFields(logrus.Fields{
				"kind":  kind,
				"index": idx,
			}).Warn("uploaded image failed normalization")
			continue
		}
		out[idx] = normalizedInput{input: entity.ComposeInput{Path: path, MimeType: "image/jpeg"}}
		s.archiveUpload(ctx, path)
	}
	return out
}

// buildBatchPlan 按模式展开调用计划。
func buildBatchPlan(mode entity.BatchMode, portraits, garments []normalizedInput) ([]batchItem, error) {
	switch mode {
	case entity.BatchModeSingle:
		return []batchItem{pairItem("result", portraits[0], garments[:1])}, nil

	case entity.BatchModeFusion:
		// 第一张人像与全部服装一次调用
		return []batchItem{pairItem("result", portraits[0], garments)}, nil

	case entity.BatchModePerGarment:
		// 同一人像逐件试穿，每件服装一次调用
		items := make([]batchItem, len(garments))
		for i := range garments {
			items[i] = pairItem(fmt.Sprintf("look %d", i+1), portraits[0], garments[i:i+1])
		}
		return items, nil

	case entity.BatchModeMultiScene:
		// 每张人像与全部服装融合一次
		items := make([]batchItem, len(portraits))
		for i := range portraits {
			items[i] = pairItem(fmt.Sprintf("scene %d", i+1), portraits[i], garments)
		}
		return items, nil

	default:
		return nil, fmt.Errorf("unsupported batch mode: %s", mode)
	}
}

// pairItem 组装一个条目：人像在前，服装按序在后。任何一张输入无效，
// 条目降级为计划期失败。
func pairItem(label string, portrait normalizedInput, garments []normalizedInput) batchItem {
	if portrait.invalid != nil {
		return batchItem{label: label, planErr: portrait.invalid}
	}
	inputs := make([]entity.ComposeInput, 0, len(garments)+1)
	inputs = append(inputs, portrait.input)
	for _, garment := range garments {
		if garment.invalid != nil {
			return batchItem{label: label, planErr: garment.invalid}
		}
		inputs = append(inputs, garment.input)
	}
	return batchItem{label: label, inputs: inputs}
}

func percentFor(idx, total int) int {
	if total <= 0 {
		return 0
	}
	return idx * 100 / total
}

// archiveResult 把成功结果归档到存储，失败仅告警，批次结果照常返回字节。
func (s *TryOnService) archiveResult(ctx context.Context, composeResult *entity.ComposeResult, batchID string, idx int) string {
	if s.storage == nil || len(composeResult.Data) == 0 {
		return ""
	}

	saveCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	ext := utils.ExtensionFromMime(composeResult.MimeType)
	if ext == "" {
		ext = "png"
	}
	relPath, err := s.storage.Save(saveCtx, composeResult.Data, storage.SaveOptions{
		Category:  storage.CategoryResults,
		Extension: ext,
		BaseName:  buildResultBaseName(batchID, idx),
	})
	if err != nil {
		logrus.WithError(err).Warn("failed to archive generation result")
		return ""
	}
	return relPath
}

// archiveUpload 按内容哈希归档归一化后的输入，重复上传直接命中跳过。
func (s *TryOnService) archiveUpload(ctx context.Context, path string) {
	if s.storage == nil {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logrus.WithError(err).Warn("failed to read normalized upload for archiving")
		return
	}

	saveCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	if _, err := s.storage.Save(saveCtx, data, storage.SaveOptions{
		Category:     storage.CategoryUploads,
		Extension:    "jpg",
		BaseName:     computeInputBaseName(data),
		SkipIfExists: true,
	}); err != nil {
		logrus.WithError(err).Warn("failed to archive normalized upload")
	}
}

// computeInputBaseName 输入文件按内容 MD5 命名，天然去重。
func computeInputBaseName(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// buildResultBaseName 结果文件名携带批次号与条目序号。
func buildResultBaseName(batchID string, idx int) string {
	token := storage.SanitizeToken(batchID)
	if token == "" {
		token = "batch"
	}
	if len(token) > 32 {
		token = token[:32]
	}
	return fmt.Sprintf("%s_%d_%d", token, time.Now().UTC().UnixNano(), idx)
}
