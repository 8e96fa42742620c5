// Package event turns the line-oriented output of an agent invocation into a
// sequence of typed events. One malformed line never truncates the rest of
// the stream.
package event

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"unicode/utf8"
)

// Tag classifies a parsed event.
type Tag string

const (
	TagAssistantText Tag = "assistant_text"
	TagToolResult    Tag = "tool_result"
	TagAPIError      Tag = "api_error"
	TagStreamEnd     Tag = "stream_end"
	TagMalformed     Tag = "malformed"
)

// Event is one classified unit from an invocation's output stream.
type Event struct {
	Tag      Tag
	Content  string
	ToolName string
	Error    string

	// Raw holds the original line for malformed events, for debug logging.
	Raw string
}

// wireEvent is the JSON shape the agent process writes, one object per line.
type wireEvent struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	ToolID  string `json:"tool_id"`
	Output  string `json:"output"`
	Error   string `json:"error"`
}

// MaxLineSize bounds a single event line. Screenshot payloads are large, so
// this is generous; a longer line becomes one malformed event and the rest of
// its bytes are discarded up to the next newline.
const MaxLineSize = 10 * 1024 * 1024

// Parse classifies a single line. Lines that are not JSON objects with a
// recognized type are malformed.
func Parse(line string) Event {
	var w wireEvent
	if err := json.Unmarshal([]byte(line), &w); err != nil {
		return Event{Tag: TagMalformed, Raw: line}
	}
	switch w.Type {
	case "output":
		return Event{Tag: TagAssistantText, Content: Sanitize(w.Content)}
	case "tool_output":
		return Event{Tag: TagToolResult, Content: Sanitize(w.Output), ToolName: w.ToolID, Error: Sanitize(w.Error)}
	case "api_error":
		return Event{Tag: TagAPIError, Error: Sanitize(w.Error)}
	default:
		return Event{Tag: TagMalformed, Raw: line}
	}
}

// Stream yields one event per non-blank line of r, in line order, followed by
// a single stream_end event. An oversized line and a mid-stream read error
// each yield one malformed event; neither truncates the lines that follow.
func Stream(r io.Reader) func(yield func(Event) bool) {
	return func(yield func(Event) bool) {
		br := bufio.NewReaderSize(r, 64*1024)
		for {
			line, overlong, err := readLine(br)
			if overlong {
				if !yield(Event{Tag: TagMalformed, Raw: "line exceeds maximum size"}) {
					return
				}
			} else if trimmed := strings.TrimSpace(line); trimmed != "" {
				if !yield(Parse(trimmed)) {
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					if !yield(Event{Tag: TagMalformed, Raw: err.Error()}) {
						return
					}
				}
				break
			}
		}
		yield(Event{Tag: TagStreamEnd})
	}
}

// readLine reads up to the next newline. A line longer than MaxLineSize is
// reported via the overlong flag and its bytes are dropped, keeping memory
// bounded. err is nil while more lines may follow; io.EOF ends the stream, a
// final unterminated line is returned alongside it.
func readLine(br *bufio.Reader) (line string, overlong bool, err error) {
	var buf []byte
	for {
		chunk, err := br.ReadSlice('\n')
		if !overlong {
			buf = append(buf, chunk...)
			if len(buf) > MaxLineSize {
				overlong = true
				buf = nil
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return string(buf), overlong, err
	}
}

// Sanitize replaces invalid UTF-8 with the replacement rune so persistence
// never fails on encoding.
func Sanitize(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, string(utf8.RuneError))
}
