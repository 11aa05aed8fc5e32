// MIT License
//
// # Copyright (c) 2017 Olivier Poitrey
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.
//
// Based on https://github.com/rs/zerolog/blob/master/console.go.

// Package prettylog renders JSON log lines from simlog for a terminal.
package prettylog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

const (
	colorRed     = 31
	colorGreen   = 32
	colorYellow  = 33
	colorMagenta = 35
	colorCyan    = 36

	colorBold     = 1
	colorDarkGray = 90
)

const (
	replicaKey = "replica"
	errorKey   = "err"
)

// prefix lists the fields printed first, in order, without their key.
var prefix = []string{
	replicaKey,
	slog.TimeKey,
	slog.LevelKey,
	slog.SourceKey,
	slog.MessageKey,
}

type Writer struct {
	mu        sync.Mutex
	out       io.Writer
	formatter formatter
}

// NewWriter returns a Writer that colors its output if out is a terminal
// and the environment does not ask otherwise.
func NewWriter(out io.Writer) *Writer {
	color := false
	if f, ok := out.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		color = false
	}
	if os.Getenv("FORCE_COLOR") != "" {
		color = true
	}
	return &Writer{
		out:       out,
		formatter: formatter{noColor: !color},
	}
}

// SetColor overrides the color detection of NewWriter.
func (w *Writer) SetColor(color bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.formatter.noColor = !color
}

var writePool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 1024))
	},
}

// Write renders one JSON log line. Input that is not a JSON object is
// passed through unchanged.
func (w *Writer) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var evt map[string]any
	d := json.NewDecoder(bytes.NewReader(p))
	d.UseNumber()
	if err := d.Decode(&evt); err != nil {
		return w.out.Write(p)
	}

	buf := writePool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		writePool.Put(buf)
	}()

	for _, key := range prefix {
		w.writePart(buf, evt, key)
	}
	w.writeFields(buf, evt)
	buf.WriteByte('\n')

	if _, err := w.out.Write(buf.Bytes()); err != nil {
		return 0, err
	}
	return len(p), nil
}

func jsonMarshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// needsQuote returns true when the string s should be quoted in output.
func needsQuote(s string) bool {
	for i := range s {
		if s[i] < 0x20 || s[i] > 0x7e || s[i] == ' ' || s[i] == '\\' || s[i] == '"' {
			return true
		}
	}
	return false
}

// writeFields appends the remaining fields sorted by key, with err first.
func (w *Writer) writeFields(buf *bytes.Buffer, evt map[string]any) {
	fields := make([]string, 0, len(evt))
	for field := range evt {
		if slices.Contains(prefix, field) {
			continue
		}
		fields = append(fields, field)
	}
	sort.Strings(fields)

	if i := slices.Index(fields, errorKey); i > 0 {
		fields = slices.Insert(slices.Delete(fields, i, i+1), 0, errorKey)
	}

	for _, field := range fields {
		if buf.Len() > 0 {
			buf.WriteByte(' ')
		}
		buf.WriteString(w.formatter.fieldName(field))

		switch value := evt[field].(type) {
		case string:
			if needsQuote(value) {
				value = strconv.Quote(value)
			}
			buf.WriteString(w.formatter.fieldValue(field, value))
		case json.Number:
			buf.WriteString(w.formatter.fieldValue(field, string(value)))
		default:
			b, err := jsonMarshal(value)
			if err != nil {
				buf.WriteString(w.formatter.colorize(fmt.Sprintf("[error: %v]", err), colorRed))
				continue
			}
			buf.WriteString(w.formatter.fieldValue(field, string(b)))
		}
	}
}

func (w *Writer) writePart(buf *bytes.Buffer, evt map[string]any, key string) {
	var s string
	switch key {
	case slog.LevelKey:
		s = w.formatter.level(evt[key])
	case slog.TimeKey:
		s = w.formatter.timestamp(evt[key])
	case slog.MessageKey:
		s = w.formatter.message(evt[slog.LevelKey], evt[key])
	case slog.SourceKey:
		s = w.formatter.caller(evt[key])
	case replicaKey:
		if v, ok := evt[key]; ok {
			s = w.formatter.colorize(fmt.Sprintf("[%v]", v), colorDarkGray)
		}
	}

	if len(s) > 0 {
		if buf.Len() > 0 {
			buf.WriteByte(' ')
		}
		buf.WriteString(s)
	}
}

type formatter struct {
	noColor bool
}

// colorize wraps s in the ANSI codes c, unless color is off.
func (f *formatter) colorize(s string, c ...int) string {
	if f.noColor {
		return s
	}
	for _, c := range c {
		s = fmt.Sprintf("\x1b[%dm%s\x1b[0m", c, s)
	}
	return s
}

// Virtual timestamps count from the Unix epoch, so the time of day is the
// time since the start of the session.
const timeFormat = "15:04:05.000"

func (f *formatter) timestamp(i any) string {
	s, ok := i.(string)
	if !ok {
		return ""
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		s = ts.UTC().Format(timeFormat)
	}
	return f.colorize(s, colorDarkGray)
}

var levelColors = map[slog.Level]int{
	slog.LevelDebug: colorMagenta,
	slog.LevelInfo:  colorGreen,
	slog.LevelWarn:  colorYellow,
	slog.LevelError: colorRed,
}

var formattedLevels = map[slog.Level]string{
	slog.LevelDebug: "DBG",
	slog.LevelInfo:  "INF",
	slog.LevelWarn:  "WRN",
	slog.LevelError: "ERR",
}

func parseLevel(i any) (slog.Level, bool) {
	s, ok := i.(string)
	if !ok {
		return 0, false
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, false
	}
	return level, true
}

func (f *formatter) level(i any) string {
	level, ok := parseLevel(i)
	if !ok {
		return "???"
	}
	if s, ok := formattedLevels[level]; ok {
		return f.colorize(s, levelColors[level])
	}
	return strings.ToUpper(level.String())
}

func (f *formatter) caller(i any) string {
	m, ok := i.(map[string]any)
	if !ok {
		return ""
	}
	file, _ := m["file"].(string)
	line, _ := m["line"].(json.Number)
	if file == "" {
		return ""
	}
	c := fmt.Sprintf("%s/%s:%s", path.Base(path.Dir(file)), path.Base(file), line)
	return f.colorize(c, colorDarkGray) + f.colorize(" >", colorCyan)
}

func (f *formatter) message(level any, i any) string {
	s, _ := i.(string)
	if s == "" {
		return ""
	}
	if l, ok := parseLevel(level); ok && l >= slog.LevelInfo {
		return f.colorize(s, colorBold)
	}
	return s
}

func (f *formatter) fieldName(name string) string {
	return f.colorize(name+"=", colorCyan)
}

func (f *formatter) fieldValue(field string, s string) string {
	if field == errorKey {
		return f.colorize(s, colorBold, colorRed)
	}
	return s
}
