package protocol

import (
	"bufio"
	"io"
)

// maxLineSize bounds a single stream line.
const maxLineSize = 1 << 20

// LineSource yields raw lines one at a time and returns io.EOF at the end.
type LineSource interface {
	Next() (string, error)
}

// LineStream is a LineSource backed by a connection that must be closed.
type LineStream interface {
	LineSource
	Close() error
}

// ScannerSource adapts an io.Reader to LineSource.
type ScannerSource struct {
	scanner *bufio.Scanner
}

// NewScannerSource splits r into lines as they arrive.
func NewScannerSource(r io.Reader) *ScannerSource {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &ScannerSource{scanner: scanner}
}

// Next returns the next line without its terminator.
func (s *ScannerSource) Next() (string, error) {
	if s.scanner.Scan() {
		return s.scanner.Text(), nil
	}
	if err := s.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

// Parser pulls lines from a LineSource and emits decoded events lazily.
// A BranchPending event ends the stream: later lines are never read.
type Parser struct {
	src     LineSource
	pending []Event
	done    bool
}

// NewParser wraps src.
func NewParser(src LineSource) *Parser {
	return &Parser{src: src}
}

// Next returns the next event, io.EOF once the stream is over, or the
// transport error reported by the source.
func (p *Parser) Next() (Event, error) {
	for {
		if len(p.pending) > 0 {
			ev := p.pending[0]
			p.pending = p.pending[1:]
			return ev, nil
		}
		if p.done {
			return nil, io.EOF
		}

		line, err := p.src.Next()
		if err != nil {
			p.done = true
			return nil, err
		}

		events := DecodeLine(line)
		for _, ev := range events {
			if _, ok := ev.(BranchPending); ok {
				p.done = true
				return ev, nil
			}
		}
		p.pending = events
	}
}
