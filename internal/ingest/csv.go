package ingest

import (
	"encoding/csv"
	"errors"
	"io"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

// ValidDelimiter 单个字符，且不能是引号、换行或无效字符
func ValidDelimiter(d string) bool {
	if utf8.RuneCountInString(d) != 1 {
		return false
	}
	c, _ := utf8.DecodeRuneInString(d)
	return c != 0 && c != '"' && c != '\r' && c != '\n' && c != utf8.RuneError && utf8.ValidRune(c)
}

// csvDecoder 带表头的分隔文本
type csvDecoder struct {
	r      *Reader
	csv    *csv.Reader
	header []string
}

func newCSVDecoder(r *Reader, src io.Reader, delimiter string) *csvDecoder {
	cr := csv.NewReader(src)
	if ValidDelimiter(delimiter) {
		cr.Comma, _ = utf8.DecodeRuneInString(delimiter)
	} else {
		r.logger.Warn("Invalid CSV delimiter, using comma", zap.String("delimiter", delimiter))
	}
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true
	return &csvDecoder{r: r, csv: cr}
}

func (d *csvDecoder) next() (*Punch, error) {
	if d.header == nil {
		header, err := d.csv.Read()
		if err != nil {
			return nil, err
		}
		d.header = make([]string, len(header))
		for i, h := range header {
			d.header[i] = strings.TrimSpace(h)
		}
		d.header[0] = strings.TrimPrefix(d.header[0], "\ufeff")
	}

	record, err := d.csv.Read()
	if err != nil {
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			d.r.stats.Rows++
			d.r.stats.Malformed++
			return nil, nil
		}
		return nil, err
	}

	d.r.stats.Rows++
	return d.r.toPunch(recordMap(d.header, record)), nil
}

// recordMap 按表头把一行转成 map，多余的列忽略
func recordMap(header, record []string) map[string]string {
	m := make(map[string]string, len(header))
	for i, name := range header {
		if i >= len(record) || name == "" {
			continue
		}
		m[name] = strings.TrimSpace(record[i])
	}
	return m
}
