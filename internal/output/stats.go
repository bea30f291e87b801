package output

import (
	"io"
	"strconv"
	"strings"
	"time"
)

type Tag struct {
	Key   string
	Value string
}

// Field is an integer field; the line protocol suffix "i" is added.
type Field struct {
	Key   string
	Value int64
}

var tagEscaper = strings.NewReplacer(",", `\,`, "=", `\=`, " ", `\ `)

// FormatStatsLine renders one InfluxDB line protocol record.
func FormatStatsLine(measurement string, tags []Tag, fields []Field, ts time.Time) string {
	var b strings.Builder
	b.WriteString(tagEscaper.Replace(measurement))
	for _, tag := range tags {
		b.WriteByte(',')
		b.WriteString(tagEscaper.Replace(tag.Key))
		b.WriteByte('=')
		b.WriteString(tagEscaper.Replace(tag.Value))
	}
	for i, field := range fields {
		if i == 0 {
			b.WriteByte(' ')
		} else {
			b.WriteByte(',')
		}
		b.WriteString(tagEscaper.Replace(field.Key))
		b.WriteByte('=')
		b.WriteString(strconv.FormatInt(field.Value, 10))
		b.WriteByte('i')
	}
	b.WriteByte(' ')
	b.WriteString(strconv.FormatInt(ts.UnixNano(), 10))
	b.WriteByte('\n')
	return b.String()
}

func WriteStatsLine(w io.Writer, measurement string, tags []Tag, fields []Field, ts time.Time) error {
	_, err := io.WriteString(w, FormatStatsLine(measurement, tags, fields, ts))
	return err
}
