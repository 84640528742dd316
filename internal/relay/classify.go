package relay

import "strings"

// DefaultIRCTag is carried by every IRC event unless configured otherwise.
const DefaultIRCTag = "irc"

// KeywordRule tags a mail whose subject contains Contains (case-sensitive).
type KeywordRule struct {
	Contains string
	Tag      string
}

// DefaultRules is the built-in mail rule table.
func DefaultRules() []KeywordRule {
	return []KeywordRule{
		{Contains: "[commits]", Tag: "commits"},
		{Contains: "[ci]", Tag: "ci"},
		{Contains: "Service Alert", Tag: "nagios"},
	}
}

// Classifier derives routing tags. It is immutable and safe for concurrent use.
type Classifier struct {
	ircTag string
	rules  []KeywordRule
}

func NewClassifier(ircTag string, rules []KeywordRule) *Classifier {
	if strings.TrimSpace(ircTag) == "" {
		ircTag = DefaultIRCTag
	}
	return &Classifier{
		ircTag: ircTag,
		rules:  append([]KeywordRule(nil), rules...),
	}
}

// Classify decides whether ev is relayed and with which tags. IRC events
// reaching the classifier already passed the command-prefix gate, so they
// always relay. Mail always relays, with tags from every matching rule in
// table order.
func (c *Classifier) Classify(ev InboundEvent) (RoutingDecision, error) {
	if ev == (InboundEvent{}) {
		return RoutingDecision{}, &ClassificationError{Reason: "zero-value event", Err: ErrEmptyEvent}
	}
	switch ev.Kind {
	case KindIRC:
		return RoutingDecision{Relay: true, Tags: []string{c.ircTag}, StrippedBody: ev.Body}, nil
	case KindMail:
		return RoutingDecision{Relay: true, Tags: c.mailTags(ev.Origin), StrippedBody: ev.Body}, nil
	default:
		return RoutingDecision{}, &ClassificationError{Reason: "kind " + ev.Kind.String(), Err: ErrUnknownKind}
	}
}

func (c *Classifier) mailTags(subject string) []string {
	var tags []string
	seen := make(map[string]struct{}, len(c.rules))
	for _, r := range c.rules {
		if r.Contains == "" || !strings.Contains(subject, r.Contains) {
			continue
		}
		if _, dup := seen[r.Tag]; dup {
			continue
		}
		seen[r.Tag] = struct{}{}
		tags = append(tags, r.Tag)
	}
	return tags
}
