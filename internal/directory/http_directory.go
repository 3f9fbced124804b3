package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"clocking-import/internal/models"
	"clocking-import/internal/repository"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const resultSuccess = 2000

// envelope 员工服务统一响应格式
type envelope struct {
	Code    int             `json:"code"`
	Type    string          `json:"type"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// HTTPDirectory 通过员工服务 HTTP 接口解析工号
//
//	GET {base}/employees/by-code/{code}
//	GET {base}/employees/{id}
type HTTPDirectory struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewHTTPDirectory 创建员工目录客户端
func NewHTTPDirectory(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPDirectory {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Accept", "application/json")

	return &HTTPDirectory{
		httpClient: client,
		logger:     logger,
	}
}

// FindByCode 按工号查询
func (d *HTTPDirectory) FindByCode(ctx context.Context, code string) (*models.Employee, error) {
	return d.get(ctx, "/employees/by-code/"+url.PathEscape(code))
}

// FindByID 按员工 ID 查询
func (d *HTTPDirectory) FindByID(ctx context.Context, id string) (*models.Employee, error) {
	return d.get(ctx, "/employees/"+url.PathEscape(id))
}

func (d *HTTPDirectory) get(ctx context.Context, path string) (*models.Employee, error) {
	var body envelope
	resp, err := d.httpClient.R().
		SetContext(ctx).
		SetResult(&body).
		SetError(&body).
		Get(path)
	if err != nil {
		return nil, fmt.Errorf("failed to call employee directory: %w", err)
	}

	if resp.StatusCode() == http.StatusNotFound {
		return nil, repository.ErrEmployeeNotFound
	}
	if resp.IsError() {
		d.logger.Error("Employee directory returned error",
			zap.String("path", path),
			zap.Int("status_code", resp.StatusCode()),
			zap.String("msg", body.Message),
		)
		return nil, fmt.Errorf("employee directory error: status %d", resp.StatusCode())
	}
	if body.Code != resultSuccess {
		return nil, fmt.Errorf("employee directory error: %s (code: %d)", body.Message, body.Code)
	}
	if len(body.Result) == 0 || string(body.Result) == "null" {
		return nil, repository.ErrEmployeeNotFound
	}

	var emp models.Employee
	if err := json.Unmarshal(body.Result, &emp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal employee: %w", err)
	}
	return &emp, nil
}
