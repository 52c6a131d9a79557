package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"tryon/internal/entity"
	"tryon/internal/utils"

	"github.com/volcengine/volcengine-go-sdk/service/arkruntime"
	volcModel "github.com/volcengine/volcengine-go-sdk/service/arkruntime/model"
	"github.com/volcengine/volcengine-go-sdk/volcengine"
)

// 文档: https://www.volcengine.com/docs/82379/1824121

// SeedreamDriver 火山方舟 Seedream 图像接口的协议驱动。流式响应里第一张
// partial_succeeded 图片即为最终结果；接口按 URL 返回，驱动负责下载成字节。
type SeedreamDriver struct {
	client  *arkruntime.Client
	model   string
	httpCli *http.Client
}

// NewSeedreamDriver 创建 Seedream 协议驱动。
func NewSeedreamDriver(apiKey, model string) (*SeedreamDriver, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("ark api key missing")
	}
	if strings.TrimSpace(model) == "" {
		return nil, errors.New("ark model is required")
	}
	return &SeedreamDriver{
		client:  arkruntime.NewClientWithApiKey(strings.TrimSpace(apiKey)),
		model:   strings.TrimSpace(model),
		httpCli: http.DefaultClient,
	}, nil
}

func (d *SeedreamDriver) Name() string {
	return "seedream"
}

func (d *SeedreamDriver) generate(ctx context.Context, req entity.ComposeRequest) (*driverResult, error) {
	images := make([]string, 0, len(req.Images))
	for idx, img := range req.Images {
		data, err := os.ReadFile(img.Path)
		if err != nil {
			return nil, fmt.Errorf("read input image %d: %w", idx, err)
		}
		mimeType := strings.TrimSpace(img.MimeType)
		if mimeType == "" {
			mimeType = "image/jpeg"
		}
		images = append(images, utils.BuildDataURL(mimeType, data))
	}

	// 关闭组图，一次调用只产出一张结果
	var sequential volcModel.SequentialImageGeneration = "disabled"
	generateReq := volcModel.GenerateImagesRequest{
		Model:                     d.model,
		Prompt:                    strings.TrimSpace(req.Instruction),
		Image:                     images,
		Size:                      volcengine.String("2K"),
		ResponseFormat:            volcengine.String(volcModel.GenerateImagesResponseFormatURL),
		Watermark:                 volcengine.Bool(false),
		SequentialImageGeneration: &sequential,
	}

	stream, err := d.client.GenerateImagesStreaming(ctx, generateReq)
	if err != nil {
		return nil, fmt.Errorf("seedream start stream: %w", err)
	}
	defer stream.Close()

	var assistantText, imageURL string
	for {
		recv, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("seedream stream recv: %w", err)
		}

		switch recv.Type {
		case "image_generation.partial_failed":
			if recv.Error != nil {
				assistantText = appendLine(assistantText, recv.Error.Message)
				if strings.EqualFold(recv.Error.Code, "InternalServiceError") {
					return nil, fmt.Errorf("seedream generation failed: %s", recv.Error.Message)
				}
			}
		case "image_generation.partial_succeeded":
			if recv.Error == nil && recv.Url != nil && *recv.Url != "" {
				imageURL = *recv.Url
			}
		}
		if imageURL != "" {
			break
		}
	}

	if imageURL == "" {
		if assistantText != "" {
			return nil, fmt.Errorf("seedream response did not include image data: %s", logSnippet(assistantText))
		}
		return nil, errors.New("seedream response did not include image data")
	}

	payload, mimeType, err := d.downloadResult(ctx, imageURL)
	if err != nil {
		return nil, err
	}
	return &driverResult{Payload: payload, MimeType: mimeType, Text: assistantText}, nil
}

func (d *SeedreamDriver) downloadResult(ctx context.Context, url string) ([]byte, string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("seedream create download request: %w", err)
	}
	resp, err := d.httpCli.Do(httpReq)
	if err != nil {
		return nil, "", fmt.Errorf("seedream download result: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("seedream download result http %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("seedream read result body: %w", err)
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}

var _ protocolDriver = (*SeedreamDriver)(nil)
