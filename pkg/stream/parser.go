// Package stream turns raw model output into an ordered sequence of text and
// data parts. Artifact directives are never split across emitted chunks and
// never reach the client in textual form.
package stream

import (
	"log/slog"
	"regexp"
	"strings"
)

// PartKind discriminates emitted parts.
type PartKind string

const (
	PartText PartKind = "text"
	PartData PartKind = "data"
)

// Part is one ordered unit of streamed output.
type Part struct {
	Kind PartKind
	Text string
	Data map[string]any
}

const openTag = "<artifact:"

var directivePattern = regexp.MustCompile(`<artifact:(?:create|ref)\b[^>]*?/>`)

// FindSafeTextBoundary returns the length of the longest prefix of buf that
// can be emitted without risking a split artifact directive. The withheld
// suffix is either an open tag awaiting its "/>" or a partial "<artifact:"
// prefix at the end of the buffer.
func FindSafeTextBoundary(buf string) int {
	if i := strings.LastIndex(buf, openTag); i >= 0 && !strings.Contains(buf[i:], "/>") {
		return i
	}
	max := len(openTag) - 1
	if max > len(buf) {
		max = len(buf)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(buf, openTag[:n]) {
			return len(buf) - n
		}
	}
	return len(buf)
}

// DirectiveHandler converts one complete artifact directive into the data
// payload streamed in its place. Returning false drops the directive.
type DirectiveHandler interface {
	HandleDirective(tag string) (map[string]any, bool)
}

// Parser consumes text deltas and yields parts in source order.
type Parser struct {
	handler DirectiveHandler
	logger  *slog.Logger
	pending string
}

func NewParser(handler DirectiveHandler) *Parser {
	return &Parser{
		handler: handler,
		logger:  slog.Default().With("component", "stream"),
	}
}

// Write appends a text delta and returns the parts that became safe to emit.
func (p *Parser) Write(delta string) []Part {
	p.pending += delta
	boundary := FindSafeTextBoundary(p.pending)
	if boundary == 0 {
		return nil
	}
	safe := p.pending[:boundary]
	p.pending = p.pending[boundary:]
	return p.split(safe)
}

// Flush drains the buffer at end of stream. An unterminated directive at the
// tail is invalid and is dropped rather than emitted as text.
func (p *Parser) Flush() []Part {
	rest := p.pending
	p.pending = ""
	if i := strings.LastIndex(rest, openTag); i >= 0 && !strings.Contains(rest[i:], "/>") {
		p.logger.Warn("dropping unterminated artifact directive", "tag", rest[i:])
		rest = rest[:i]
	}
	return p.split(rest)
}

// split emits text around each complete directive and the directive's data
// part in between, preserving source order.
func (p *Parser) split(text string) []Part {
	if text == "" {
		return nil
	}
	var parts []Part
	for {
		loc := directivePattern.FindStringIndex(text)
		if loc == nil {
			break
		}
		if before := text[:loc[0]]; before != "" {
			parts = append(parts, Part{Kind: PartText, Text: before})
		}
		tag := text[loc[0]:loc[1]]
		if p.handler != nil {
			if data, ok := p.handler.HandleDirective(tag); ok {
				parts = append(parts, Part{Kind: PartData, Data: data})
			}
		} else {
			p.logger.Warn("dropping artifact directive without handler", "tag", tag)
		}
		text = text[loc[1]:]
	}
	if text != "" {
		parts = append(parts, Part{Kind: PartText, Text: text})
	}
	return parts
}
