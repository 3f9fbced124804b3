package ingest

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

// xlsxDecoder 读取第一个工作表，首行为表头，其余与 CSV 相同
// 单元格按原始值读取，日期单元格为 Excel 序列号
type xlsxDecoder struct {
	r        *Reader
	rows     *excelize.Rows
	header   []string
	date1904 bool
}

func newXLSXDecoder(r *Reader, src io.Reader) (*xlsxDecoder, error) {
	f, err := excelize.OpenReader(src, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open xlsx workbook: %w", err)
	}

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		f.Close()
		return nil, fmt.Errorf("xlsx workbook has no sheets")
	}

	date1904 := false
	if props, err := f.GetWorkbookProps(); err == nil && props.Date1904 != nil {
		date1904 = *props.Date1904
	}

	rows, err := f.Rows(sheets[0])
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read sheet %s: %w", sheets[0], err)
	}

	r.closer = append(r.closer, f, rows)
	return &xlsxDecoder{r: r, rows: rows, date1904: date1904}, nil
}

func (d *xlsxDecoder) next() (*Punch, error) {
	if !d.rows.Next() {
		if err := d.rows.Error(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	cells, err := d.rows.Columns()
	if err != nil {
		return nil, err
	}

	if d.header == nil {
		d.header = make([]string, len(cells))
		for i, c := range cells {
			d.header[i] = strings.TrimSpace(c)
		}
		return nil, nil
	}

	if blankRow(cells) {
		return nil, nil
	}

	d.r.stats.Rows++
	record := recordMap(d.header, cells)
	d.convertDateSerial(record)
	return d.r.toPunch(record), nil
}

// convertDateSerial 时间列为 Excel 序列号时转成墙上时间文本，时区由 Reader 决定
func (d *xlsxDecoder) convertDateSerial(record map[string]string) {
	key := d.r.columns[ColumnTimestamp]
	value, ok := record[key]
	if !ok {
		return
	}
	serial, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || serial <= 0 {
		return
	}
	t, err := excelize.ExcelDateToTime(serial, d.date1904)
	if err != nil {
		return
	}
	record[key] = t.Round(time.Second).Format("2006-01-02 15:04:05")
}

func blankRow(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
