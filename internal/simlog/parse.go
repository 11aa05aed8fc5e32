package simlog

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sort"
	"time"
)

type Source struct {
	File     string `json:"file"`
	Function string `json:"function"`
	Line     int    `json:"line"`
}

type UnknownField struct {
	Key   string
	Value string // raw JSON
}

// Log is one parsed log record.
type Log struct {
	Index int `json:"-"`

	Time    time.Time  `json:"time"`
	Level   slog.Level `json:"level"`
	Msg     string     `json:"msg"`
	Source  *Source    `json:"source"`
	Replica int        `json:"replica"`

	// Unknown holds the remaining fields sorted by key.
	Unknown []UnknownField `json:"-"`
}

var knownFields = map[string]bool{
	slog.TimeKey:    true,
	slog.LevelKey:   true,
	slog.MessageKey: true,
	slog.SourceKey:  true,
	"replica":       true,
}

func (l *Log) UnmarshalJSON(b []byte) error {
	type plain Log
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}
	for key, value := range fields {
		if knownFields[key] {
			continue
		}
		p.Unknown = append(p.Unknown, UnknownField{Key: key, Value: string(value)})
	}
	sort.Slice(p.Unknown, func(i, j int) bool { return p.Unknown[i].Key < p.Unknown[j].Key })

	*l = Log(p)
	return nil
}

// Field returns the raw JSON of an unknown field.
func (l *Log) Field(key string) (string, bool) {
	for _, f := range l.Unknown {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// VirtualTime returns the record's timestamp as nanoseconds since the start
// of the session.
func (l *Log) VirtualTime() time.Duration {
	return time.Duration(l.Time.UnixNano())
}

// ParseLog parses JSON log lines. Lines that are not JSON objects, such as
// guest output interleaved with the log, are skipped.
func ParseLog(logs []byte) []*Log {
	var out []*Log

	for _, line := range bytes.Split(logs, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var log Log
		if err := json.Unmarshal(line, &log); err != nil {
			continue
		}
		log.Index = len(out)
		out = append(out, &log)
	}

	return out
}
