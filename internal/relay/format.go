package relay

import (
	"html"
	"strings"
	"unicode/utf8"
)

const (
	DefaultMaxPayloadLength = 4000
	DefaultTruncationMarker = " [truncated]"
)

// Formatter renders escaped payloads. It is immutable and deterministic.
type Formatter struct {
	max    int
	marker string
}

// NewFormatter returns a Formatter keeping the escaped author, subject, tags
// and body within maxPayload runes in total. Non-positive maxPayload and an
// empty marker select the defaults.
func NewFormatter(maxPayload int, marker string) *Formatter {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayloadLength
	}
	if marker == "" {
		marker = DefaultTruncationMarker
	}
	return &Formatter{max: maxPayload, marker: marker}
}

// Format escapes every untrusted field and fits the result into the payload
// budget. Tags pass through whole and count against the budget. The author
// gets at most a quarter of it. The subject may take what is left minus
// room for the marker when there is a body. The body gets the rest.
func (f *Formatter) Format(ev InboundEvent, d RoutingDecision) NotificationPayload {
	p := NotificationPayload{
		Author:  Escape(ev.Author),
		Subject: Escape(ev.Origin),
		Body:    Escape(d.StrippedBody),
	}
	budget := f.max
	if len(d.Tags) > 0 {
		p.Tags = make([]string, len(d.Tags))
		for i, t := range d.Tags {
			p.Tags[i] = Escape(t)
			budget -= utf8.RuneCountInString(p.Tags[i])
		}
	}
	budget = max(budget, 0)

	p.Author = f.cut(p.Author, f.max/4)
	budget -= utf8.RuneCountInString(p.Author)

	reserve := 0
	if p.Body != "" {
		reserve = utf8.RuneCountInString(f.marker)
	}
	p.Subject = f.cut(p.Subject, max(budget-reserve, 0))
	budget -= utf8.RuneCountInString(p.Subject)

	p.Body = f.cut(p.Body, max(budget, 0))
	return p
}

// PayloadLength is the rune count Format keeps within its limit.
func PayloadLength(p NotificationPayload) int {
	n := utf8.RuneCountInString(p.Author) + utf8.RuneCountInString(p.Subject) + utf8.RuneCountInString(p.Body)
	for _, t := range p.Tags {
		n += utf8.RuneCountInString(t)
	}
	return n
}

// cut shortens s to at most limit runes. The marker is part of the limit; a
// limit too small to hold it gets a bare cut. A cut never splits an entity,
// so the result may be shorter than limit by less than one entity.
func (f *Formatter) cut(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	marker := f.marker
	keep := limit - utf8.RuneCountInString(marker)
	if keep < 0 {
		keep, marker = limit, ""
	}
	head := s
	n := 0
	for i := range s {
		if n == keep {
			head = s[:i]
			break
		}
		n++
	}
	if amp := strings.LastIndexByte(head, '&'); amp >= 0 && !strings.Contains(head[amp:], ";") {
		head = head[:amp]
	}
	return head + marker
}

// Escape strips characters XML forbids and entity-escapes < > & ' ".
func Escape(s string) string {
	return html.EscapeString(stripInvalidXML(s))
}

func validXMLRune(r rune) bool {
	switch {
	case r == '\t', r == '\n', r == '\r':
		return true
	case r < 0x20:
		return false
	case r >= 0xD800 && r <= 0xDFFF, r == 0xFFFE, r == 0xFFFF:
		return false
	}
	return true
}

// stripInvalidXML drops malformed UTF-8 and runes XML 1.0 forbids. A
// correctly encoded U+FFFD is kept.
func stripInvalidXML(s string) string {
	s = strings.ToValidUTF8(s, "")
	if strings.IndexFunc(s, func(r rune) bool { return !validXMLRune(r) }) < 0 {
		return s
	}
	return strings.Map(func(r rune) rune {
		if validXMLRune(r) {
			return r
		}
		return -1
	}, s)
}
