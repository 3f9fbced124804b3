package httpapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"clocking-import/internal/ingest"
	"clocking-import/internal/models"
	"clocking-import/internal/repository"

	"go.uber.org/zap"
)

const (
	maxUploadSize    = 32 << 20 // 32MB
	defaultListLimit = 100
	maxListLimit     = 1000
)

// JobQueue 导入任务入队（*consumer.Queue 实现）
type JobQueue interface {
	Enqueue(ctx context.Context, job *models.ImportJob) error
}

// ImportHandler 打卡文件上传与审计查询
type ImportHandler struct {
	uploadDir  string
	queue      JobQueue
	rawPunches repository.RawPunchRepository
	logger     *zap.Logger
}

func NewImportHandler(uploadDir string, queue JobQueue, rawPunches repository.RawPunchRepository, logger *zap.Logger) *ImportHandler {
	return &ImportHandler{
		uploadDir:  uploadDir,
		queue:      queue,
		rawPunches: rawPunches,
		logger:     logger,
	}
}

// UploadClockings POST /api/v1/imports/clockings
// multipart: file（必填）, format, delimiter（单个字符）, dat_layout（可选）
func (h *ImportHandler) UploadClockings(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("failed to parse form"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("file not found in request"))
		return
	}
	defer file.Close()

	format := strings.ToLower(strings.TrimSpace(r.FormValue("format")))
	if format != "" {
		if _, err := ingest.ResolveFormat("", format); err != nil {
			writeJSON(w, http.StatusBadRequest, Fail(fmt.Sprintf("unsupported format: %s", format)))
			return
		}
	}

	datLayout := strings.ToLower(strings.TrimSpace(r.FormValue("dat_layout")))
	switch datLayout {
	case "", ingest.DatLayoutAuto, ingest.DatLayoutSplit, ingest.DatLayoutMerged:
	default:
		writeJSON(w, http.StatusBadRequest, Fail(fmt.Sprintf("unsupported dat_layout: %s", datLayout)))
		return
	}

	delimiter := r.FormValue("delimiter")
	if delimiter != "" && !ingest.ValidDelimiter(delimiter) {
		writeJSON(w, http.StatusBadRequest, Fail(fmt.Sprintf("invalid delimiter: %q", delimiter)))
		return
	}

	path, err := h.saveUpload(file, header.Filename)
	if err != nil {
		h.logger.Error("Failed to store uploaded clocking file", zap.String("file_name", header.Filename), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to store file"))
		return
	}

	job := &models.ImportJob{
		FilePath:     path,
		Format:       format,
		OriginalName: header.Filename,
		UploadedBy:   r.Header.Get("X-User-Id"),
		Delimiter:    delimiter,
		DatLayout:    datLayout,
	}
	if err := h.queue.Enqueue(r.Context(), job); err != nil {
		h.logger.Error("Failed to enqueue import job", zap.String("file_path", path), zap.Error(err))
		if rmErr := os.Remove(path); rmErr != nil {
			h.logger.Warn("Failed to remove orphan upload", zap.String("file_path", path), zap.Error(rmErr))
		}
		writeJSON(w, http.StatusInternalServerError, Fail("failed to enqueue import"))
		return
	}

	h.logger.Info("Clocking file queued for import",
		zap.String("job_id", job.ID),
		zap.String("file_path", path),
		zap.String("format", format),
	)
	writeJSON(w, http.StatusCreated, Ok(map[string]any{
		"queued":    true,
		"job_id":    job.ID,
		"file_path": path,
	}))
}

// saveUpload 保存为 <unix-ms>-<原文件名>
func (h *ImportHandler) saveUpload(src io.Reader, name string) (string, error) {
	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		return "", err
	}

	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		base = "clockings"
	}
	path := filepath.Join(h.uploadDir, fmt.Sprintf("%d-%s", time.Now().UnixMilli(), base))

	dst, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return "", err
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// ListClockings GET /api/v1/clockings?status=&limit=
func (h *ImportHandler) ListClockings(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	switch status {
	case "", models.RawPunchStatusProcessed, models.RawPunchStatusError:
	default:
		writeJSON(w, http.StatusBadRequest, Fail(fmt.Sprintf("invalid status: %s", status)))
		return
	}

	limit := parseInt(r.URL.Query().Get("limit"), defaultListLimit)
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	items, err := h.rawPunches.List(r.Context(), status, limit)
	if err != nil {
		h.logger.Error("Failed to list clockings", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to list clockings"))
		return
	}

	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"items": items,
		"total": len(items),
	}))
}
