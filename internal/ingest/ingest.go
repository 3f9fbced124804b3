package ingest

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// 支持的打卡文件格式
const (
	FormatCSV  = "csv"
	FormatDAT  = "dat"
	FormatXLSX = "xlsx"
)

// DAT 行布局
const (
	DatLayoutAuto   = "auto"   // 根据第 2、3 列内容推断
	DatLayoutSplit  = "split"  // 日期、时间分两列
	DatLayoutMerged = "merged" // 日期时间在同一列
)

// 逻辑列名
const (
	ColumnEmployeeCode = "employeeCode"
	ColumnDeviceID     = "deviceId"
	ColumnTimestamp    = "timestamp"
)

const (
	defaultCSVDelimiter = ","
	defaultDatDelimiter = "|"

	unknownDevice = "unknown"
	defaultDevice = "default"
)

// ErrUnsupportedFormat 不支持的文件格式
var ErrUnsupportedFormat = errors.New("unsupported clocking file format")

// Punch 标准化后的一次打卡
type Punch struct {
	EmployeeCode string
	DeviceID     string
	ClockedAt    time.Time         // UTC
	Raw          map[string]string // 原始字段，仅用于审计
}

// Options 解析选项
type Options struct {
	Format    string
	Delimiter string
	Columns   map[string]string // 逻辑列名 -> 文件列名
	Timezone  string            // 打卡时间所在时区（IANA）
	DatLayout string
	Logger    *zap.Logger
}

// Stats 解析统计
type Stats struct {
	Rows         int // 读取的数据行（不含表头、空行）
	Accepted     int
	Malformed    int // 缺少工号/时间等必填字段
	BadTimestamp int
	Duplicates   int // DAT 同一分钟重复打卡
}

// Skipped 被丢弃的行数（不含去重）
func (s Stats) Skipped() int {
	return s.Malformed + s.BadTimestamp
}

// Reader 逐行读取打卡文件，单次遍历
type Reader struct {
	format   string
	columns  map[string]string
	location *time.Location
	logger   *zap.Logger
	stats    Stats

	next   func() (*Punch, error) // 返回 (nil, nil) 表示该行被跳过
	closer []io.Closer
}

// ResolveFormat 确定文件格式：显式声明优先，否则按扩展名推断
func ResolveFormat(path, format string) (string, error) {
	if format != "" {
		f := strings.ToLower(strings.TrimSpace(format))
		switch f {
		case FormatCSV, FormatDAT, FormatXLSX:
			return f, nil
		}
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".dat":
		return FormatDAT, nil
	case ".xlsx":
		return FormatXLSX, nil
	default:
		return FormatCSV, nil
	}
}

// Open 打开打卡文件
func Open(path string, opts Options) (*Reader, error) {
	format, err := ResolveFormat(path, opts.Format)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open clocking file: %w", err)
	}

	r, err := NewReader(f, format, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = append(r.closer, f)
	return r, nil
}

// NewReader 基于 io.Reader 创建解析器
func NewReader(src io.Reader, format string, opts Options) (*Reader, error) {
	format, err := ResolveFormat("", format)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Reader{
		format:   format,
		columns:  mergeColumns(opts.Columns),
		location: resolveLocation(opts.Timezone, logger),
		logger:   logger,
	}

	switch format {
	case FormatCSV:
		r.next = newCSVDecoder(r, src, delimiterOr(opts.Delimiter, defaultCSVDelimiter)).next
	case FormatDAT:
		layout := strings.ToLower(opts.DatLayout)
		if layout == "" {
			layout = DatLayoutAuto
		}
		if layout != DatLayoutAuto && layout != DatLayoutSplit && layout != DatLayoutMerged {
			return nil, fmt.Errorf("%w: dat layout %s", ErrUnsupportedFormat, opts.DatLayout)
		}
		r.next = newDatDecoder(r, src, delimiterOr(opts.Delimiter, defaultDatDelimiter), layout).next
	case FormatXLSX:
		dec, err := newXLSXDecoder(r, src)
		if err != nil {
			return nil, err
		}
		r.next = dec.next
	}

	return r, nil
}

// Next 返回下一条有效打卡，读完返回 io.EOF
func (r *Reader) Next() (*Punch, error) {
	for {
		p, err := r.next()
		if err != nil {
			return nil, err
		}
		if p != nil {
			r.stats.Accepted++
			return p, nil
		}
	}
}

// Format 实际使用的格式
func (r *Reader) Format() string {
	return r.format
}

// Stats 当前解析统计
func (r *Reader) Stats() Stats {
	return r.stats
}

// Close 释放底层资源
func (r *Reader) Close() error {
	var firstErr error
	for i := len(r.closer) - 1; i >= 0; i-- {
		if err := r.closer[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.closer = nil
	return firstErr
}

// toPunch 按列映射把一行记录转成打卡，字段不全或时间无法解析时返回 nil
func (r *Reader) toPunch(record map[string]string) *Punch {
	code := record[r.columns[ColumnEmployeeCode]]
	ts := record[r.columns[ColumnTimestamp]]
	if code == "" || ts == "" {
		r.stats.Malformed++
		r.logger.Debug("Skipping clocking row without employee code or timestamp",
			zap.Int("row", r.stats.Rows))
		return nil
	}

	device, ok := record[r.columns[ColumnDeviceID]]
	if !ok {
		device = unknownDevice
	}

	clockedAt, err := ParseTimestamp(ts, r.location)
	if err != nil {
		r.stats.BadTimestamp++
		r.logger.Debug("Skipping clocking row with unparsable timestamp",
			zap.Int("row", r.stats.Rows),
			zap.String("timestamp", ts),
		)
		return nil
	}

	return &Punch{
		EmployeeCode: code,
		DeviceID:     device,
		ClockedAt:    clockedAt,
		Raw:          record,
	}
}

func mergeColumns(columns map[string]string) map[string]string {
	merged := map[string]string{
		ColumnEmployeeCode: ColumnEmployeeCode,
		ColumnDeviceID:     ColumnDeviceID,
		ColumnTimestamp:    ColumnTimestamp,
	}
	for k, v := range columns {
		if v != "" {
			merged[k] = v
		}
	}
	return merged
}

func resolveLocation(tz string, logger *zap.Logger) *time.Location {
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		logger.Warn("Unknown clocking timezone, falling back to local time",
			zap.String("timezone", tz), zap.Error(err))
		return time.Local
	}
	return loc
}

func delimiterOr(d, def string) string {
	if d == "" {
		return def
	}
	return d
}
