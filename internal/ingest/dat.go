package ingest

import (
	"bufio"
	"io"
	"strings"
)

const maxDatLineSize = 1024 * 1024

// datDecoder 无表头的考勤机导出文件
type datDecoder struct {
	r         *Reader
	scanner   *bufio.Scanner
	delimiter string
	layout    string
	seen      map[string]struct{} // 同一工号、设备、分钟只保留第一条
}

func newDatDecoder(r *Reader, src io.Reader, delimiter, layout string) *datDecoder {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 64*1024), maxDatLineSize)
	return &datDecoder{
		r:         r,
		scanner:   scanner,
		delimiter: delimiter,
		layout:    layout,
		seen:      make(map[string]struct{}),
	}
}

func (d *datDecoder) next() (*Punch, error) {
	if !d.scanner.Scan() {
		if err := d.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	rawLine := strings.TrimRight(d.scanner.Text(), "\r")
	line := strings.TrimSpace(rawLine)
	if line == "" {
		return nil, nil
	}
	d.r.stats.Rows++

	tokens := tokenizeDatLine(line, d.delimiter)
	if len(tokens) < 2 || tokens[0] == "" {
		d.r.stats.Malformed++
		return nil, nil
	}

	fields, ok := extractDatFields(tokens, d.layout)
	if !ok || fields.timestamp == "" {
		d.r.stats.Malformed++
		return nil, nil
	}

	cols := d.r.columns
	record := map[string]string{
		cols[ColumnEmployeeCode]: tokens[0],
		cols[ColumnDeviceID]:     fields.device,
		cols[ColumnTimestamp]:    fields.timestamp,
		"rawLine":                rawLine,
	}
	if len(fields.extras) > 0 {
		record["extras"] = strings.Join(fields.extras, " ")
	}

	p := d.r.toPunch(record)
	if p == nil {
		return nil, nil
	}

	key := minuteKey(p)
	if _, dup := d.seen[key]; dup {
		d.r.stats.Duplicates++
		return nil, nil
	}
	d.seen[key] = struct{}{}

	return p, nil
}

// tokenizeDatLine 行内包含分隔符时按分隔符切分，否则按空白切分
func tokenizeDatLine(line, delimiter string) []string {
	if delimiter != "" && strings.Contains(line, delimiter) {
		parts := strings.Split(line, delimiter)
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return strings.Fields(line)
}

type datFields struct {
	timestamp string
	device    string
	extras    []string
}

// extractDatFields 从切分后的列中取出时间、设备号和其余列
func extractDatFields(tokens []string, layout string) (datFields, bool) {
	var split bool
	switch layout {
	case DatLayoutSplit:
		if len(tokens) < 3 {
			return datFields{}, false
		}
		split = true
	case DatLayoutMerged:
		split = false
	default:
		split = len(tokens) >= 3 &&
			strings.Contains(tokens[1], "-") &&
			strings.Contains(tokens[2], ":")
	}

	var f datFields
	deviceIdx := 2
	if split {
		f.timestamp = tokens[1] + " " + tokens[2]
		deviceIdx = 3
	} else {
		f.timestamp = tokens[1]
	}

	f.device = defaultDevice
	if deviceIdx < len(tokens) && tokens[deviceIdx] != "" {
		f.device = tokens[deviceIdx]
	}
	if deviceIdx+1 < len(tokens) {
		f.extras = tokens[deviceIdx+1:]
	}
	return f, true
}

func minuteKey(p *Punch) string {
	return p.EmployeeCode + "::" + p.DeviceID + "::" + p.ClockedAt.UTC().Format("2006-01-02T15:04")
}
