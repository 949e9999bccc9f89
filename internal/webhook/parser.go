// ABOUTME: Best-effort regex parsing of external webhook payloads
// ABOUTME: Brittle format adaptation stays here, never in the event core

package webhook

import (
	"errors"
	"regexp"
	"strings"
)

// ErrNoMatch is returned when no pattern recognizes the payload
var ErrNoMatch = errors.New("webhook payload not recognized")

// Event is the normalized result of parsing one webhook payload: the target
// session room and the text to relay into it.
type Event struct {
	Room   string
	Text   string
	Author string
}

// Parser extracts a relayable event from a raw webhook body. Implementations
// are format adapters; a payload they cannot place returns ErrNoMatch.
type Parser interface {
	Parse(body []byte) (*Event, error)
}

// RegexParser matches payloads against an ordered pattern list. Each pattern
// must define "room" and "text" capture groups; "author" is optional. First
// match wins.
type RegexParser struct {
	patterns []*regexp.Regexp
}

// defaultPatterns covers the payload shapes seen in practice: a JSON body
// with room/text fields in either order, and a plain-text subject line of
// the form "<room>: <text>".
var defaultPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?s)"room"\s*:\s*"(?P<room>[a-f0-9]{24})".*?"text"\s*:\s*"(?P<text>[^"]*)"`),
	regexp.MustCompile(`(?s)"text"\s*:\s*"(?P<text>[^"]*)".*?"room"\s*:\s*"(?P<room>[a-f0-9]{24})"`),
	regexp.MustCompile(`(?m)^\s*(?P<room>[a-f0-9]{24})\s*:\s*(?P<text>.+)$`),
}

// NewRegexParser creates a parser over the given patterns, falling back to
// the defaults when none are supplied
func NewRegexParser(patterns ...*regexp.Regexp) *RegexParser {
	if len(patterns) == 0 {
		patterns = defaultPatterns
	}
	return &RegexParser{patterns: patterns}
}

// Parse runs the pattern list against the body
func (p *RegexParser) Parse(body []byte) (*Event, error) {
	for _, re := range p.patterns {
		match := re.FindSubmatch(body)
		if match == nil {
			continue
		}

		event := &Event{}
		for i, name := range re.SubexpNames() {
			if i == 0 || i >= len(match) {
				continue
			}
			value := strings.TrimSpace(string(match[i]))
			switch name {
			case "room":
				event.Room = value
			case "text":
				event.Text = value
			case "author":
				event.Author = value
			}
		}
		if event.Room == "" || event.Text == "" {
			continue
		}
		return event, nil
	}
	return nil, ErrNoMatch
}
