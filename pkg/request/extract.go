package request

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
)

var (
	// ErrNotQueryLine marks a log line that matches neither access log grammar.
	ErrNotQueryLine = errors.New("not a recognized query line")
	// ErrLineTooLong marks a log line longer than the configured limit.
	ErrLineTooLong = errors.New("line exceeds the length limit")
)

// ParseError describes a skipped log line. Text is empty for lines that were
// too long to keep.
type ParseError struct {
	Line int
	Text string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed log on line %d: %v", e.Line, e.Unwrap())
}

// Unwrap returns ErrNotQueryLine or ErrLineTooLong.
func (e *ParseError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrNotQueryLine
}

// Grammars are tried in order; the first match wins.
var grammars = []*regexp.Regexp{
	// API gateway: "GET /medic/... HTTP/1.1"
	regexp.MustCompile(`GET /medic/_design/medic-client/_view/(?P<view>[a-z_]+_freetext)(?P<querystring>[^\s]+)`),
	// Load balancer: fields are comma separated.
	regexp.MustCompile(`GET,/medic/_design/medic-client/_view/(?P<view>[a-z_]+_freetext)(?P<querystring>[^,]+)`),
}

// Extract parses one access log line. It returns ErrNotQueryLine when the
// line is not a freetext view query.
func Extract(line string) (*ExtractedRequest, error) {
	for _, re := range grammars {
		m := re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		view := m[re.SubexpIndex("view")]
		query := m[re.SubexpIndex("querystring")]
		return NewExtractedRequest(view, ParseParams(query)), nil
	}
	return nil, ErrNotQueryLine
}

// ScanStats summarizes one pass over a log source.
type ScanStats struct {
	Lines     int `json:"lines"`
	Malformed int `json:"malformed"`
	Unique    int `json:"unique"`
}

// Scan reads src line by line and collects every recognized request into
// set. onSkip, when non-nil, receives a *ParseError for each skipped line.
// Lines longer than maxLineBytes (when positive) are skipped without being
// buffered whole.
func Scan(src io.Reader, set *Set, maxLineBytes int, onSkip func(*ParseError)) (ScanStats, error) {
	var stats ScanStats
	reader := bufio.NewReaderSize(src, 64*1024)

	for {
		raw, tooLong, err := readLine(reader, maxLineBytes)
		if err == io.EOF {
			break
		}
		if err != nil {
			stats.Unique = set.Len()
			return stats, fmt.Errorf("read log source: %w", err)
		}
		stats.Lines++

		if tooLong {
			stats.Malformed++
			if onSkip != nil {
				onSkip(&ParseError{Line: stats.Lines, Err: ErrLineTooLong})
			}
			continue
		}
		line := string(raw)
		req, err := Extract(line)
		if err != nil {
			stats.Malformed++
			if onSkip != nil {
				onSkip(&ParseError{Line: stats.Lines, Text: line})
			}
			continue
		}
		set.Add(req)
	}
	stats.Unique = set.Len()
	return stats, nil
}

// readLine returns the next line without its terminator. Once a line grows
// past limit the rest of it is discarded and tooLong is set.
func readLine(r *bufio.Reader, limit int) ([]byte, bool, error) {
	var line []byte
	tooLong, started := false, false
	for {
		frag, isPrefix, err := r.ReadLine()
		if err != nil {
			if err == io.EOF && started {
				return line, tooLong, nil
			}
			return nil, false, err
		}
		started = true
		if !tooLong {
			if limit > 0 && len(line)+len(frag) > limit {
				tooLong = true
				line = nil
			} else {
				line = append(line, frag...)
			}
		}
		if !isPrefix {
			return line, tooLong, nil
		}
	}
}
