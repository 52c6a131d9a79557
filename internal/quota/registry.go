package quota

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"tryon/internal/entity"

	"github.com/sirupsen/logrus"
)

// Registry 体验码注册表，启动时加载一次，运行期只读。
type Registry struct {
	codes map[string]entity.AccessCodeRecord
}

type registryDocument struct {
	Codes map[string]entity.AccessCodeRecord `json:"codes"`
}

// LoadRegistry 加载体验码配置：inlineJSON 非空时直接解析，否则读取 path 指向的文件。
// 配置缺失、无法解析或为空映射都返回 ErrConfigMissing——没有可校验的码时整个会话无法工作。
func LoadRegistry(inlineJSON, path string) (*Registry, error) {
	raw := []byte(strings.TrimSpace(inlineJSON))
	if len(raw) == 0 {
		trimmedPath := strings.TrimSpace(path)
		if trimmedPath == "" {
			return nil, fmt.Errorf("%w: no inline codes and no registry path", ErrConfigMissing)
		}
		data, err := os.ReadFile(trimmedPath)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrConfigMissing, trimmedPath, err)
		}
		raw = data
	}

	var doc registryDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse registry: %v", ErrConfigMissing, err)
	}
	if len(doc.Codes) == 0 {
		return nil, fmt.Errorf("%w: registry contains no codes", ErrConfigMissing)
	}

	codes := make(map[string]entity.AccessCodeRecord, len(doc.Codes))
	for code, record := range doc.Codes {
		normalized := strings.ToLower(strings.TrimSpace(code))
		if normalized == "" {
			continue
		}
		if record.MaxImages < 0 {
			return nil, fmt.Errorf("%w: code %q has negative max_images", ErrConfigMissing, normalized)
		}
		codes[normalized] = record
	}
	if len(codes) == 0 {
		return nil, fmt.Errorf("%w: registry contains no usable codes", ErrConfigMissing)
	}

	logrus.WithField("code_count", len(codes)).Info("access code registry loaded")
	return &Registry{codes: codes}, nil
}

// Validate 大小写不敏感地查找体验码，未知码返回 ErrInvalidCode。
// 注册表未加载（nil 或空）时返回 ErrConfigMissing，调用方据此回 503 而非 401。
func (r *Registry) Validate(code string) (entity.AccessCodeRecord, error) {
	if r == nil || len(r.codes) == 0 {
		return entity.AccessCodeRecord{}, fmt.Errorf("%w: registry not loaded", ErrConfigMissing)
	}
	normalized := strings.ToLower(strings.TrimSpace(code))
	record, ok := r.codes[normalized]
	if !ok {
		return entity.AccessCodeRecord{}, ErrInvalidCode
	}
	return record, nil
}

// Records 返回全部注册项的拷贝，键为归一化后的体验码，供管理端聚合展示。
func (r *Registry) Records() map[string]entity.AccessCodeRecord {
	out := make(map[string]entity.AccessCodeRecord, len(r.codes))
	for code, record := range r.codes {
		out[code] = record
	}
	return out
}
