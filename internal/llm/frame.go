package llm

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// FrameKind classifies one line of upstream output
type FrameKind int

const (
	// FrameContent carries reply text from a `0:"..."` line, already unquoted
	FrameContent FrameKind = iota
	// FrameMetadata is an `e:` or `d:` line; it is never shown to the client
	FrameMetadata
	// FrameRaw is any other non-empty line, kept verbatim
	FrameRaw
)

func (k FrameKind) String() string {
	switch k {
	case FrameContent:
		return "content"
	case FrameMetadata:
		return "metadata"
	default:
		return "raw"
	}
}

// Frame is one classified piece of upstream output
type Frame struct {
	Kind FrameKind
	Text string
}

// Visible reports whether the frame is reply text
func (f Frame) Visible() bool {
	return f.Kind != FrameMetadata && f.Text != ""
}

// ParseFrame classifies a single line. The second result is false for
// blank lines, which carry nothing.
func ParseFrame(line string) (Frame, bool) {
	trimmed := strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(trimmed) == "" {
		return Frame{}, false
	}

	switch {
	case strings.HasPrefix(trimmed, "0:"):
		var text string
		if err := json.Unmarshal([]byte(trimmed[2:]), &text); err == nil {
			return Frame{Kind: FrameContent, Text: text}, true
		}
	case strings.HasPrefix(trimmed, "e:"), strings.HasPrefix(trimmed, "d:"):
		return Frame{Kind: FrameMetadata, Text: trimmed[2:]}, true
	}

	return Frame{Kind: FrameRaw, Text: line}, true
}

type lineStream struct {
	body   io.ReadCloser
	reader *bufio.Reader
}

// NewLineStream parses a newline-delimited body into frames
func NewLineStream(body io.ReadCloser) FrameStream {
	return &lineStream{body: body, reader: bufio.NewReader(body)}
}

func (s *lineStream) Next() (Frame, error) {
	for {
		line, err := s.reader.ReadString('\n')
		if line != "" {
			if frame, ok := ParseFrame(line); ok {
				return frame, nil
			}
		}
		if err != nil {
			return Frame{}, err
		}
	}
}

func (s *lineStream) Close() error {
	return s.body.Close()
}

// NewStaticStream replays fixed frames
func NewStaticStream(frames ...Frame) FrameStream {
	return &sliceStream{frames: frames}
}

type sliceStream struct {
	frames []Frame
}

func (s *sliceStream) Next() (Frame, error) {
	if len(s.frames) == 0 {
		return Frame{}, io.EOF
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f, nil
}

func (s *sliceStream) Close() error { return nil }
