package ingest

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var errEmptyTimestamp = errors.New("empty timestamp")

// 无时区的墙上时间格式（首个空格已替换为 T）
var wallClockLayouts = []string{
	"2006-1-2T15:4:5",
	"2006-1-2T15:4",
	"2006/1/2T15:4:5",
	"2006/1/2T15:4",
	"1/2/2006T15:4:5",
	"1/2/2006T15:4",
	"2006-1-2",
}

// ParseTimestamp 把打卡时间文本解析为 UTC 时间
// 带偏移量或 Z 的时间按其自身偏移解析；否则视为 loc 时区的墙上时间
func ParseTimestamp(text string, loc *time.Location) (time.Time, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return time.Time{}, errEmptyTimestamp
	}
	s = strings.Replace(s, " ", "T", 1)

	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}

	if loc == nil {
		loc = time.Local
	}
	for _, layout := range wallClockLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", text)
}
