package relay

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mail(subject string) InboundEvent {
	return InboundEvent{Kind: KindMail, Author: "ci@example.com", Origin: subject, Body: "body", ReceivedAt: time.Unix(0, 0)}
}

func TestClassifyMailTags(t *testing.T) {
	t.Parallel()
	c := NewClassifier("", DefaultRules())
	cases := []struct {
		subject string
		want    []string
	}{
		{subject: "[commits] fix bug", want: []string{"commits"}},
		{subject: "Nightly Service Alert", want: []string{"nagios"}},
		{subject: "[commits][ci] release", want: []string{"commits", "ci"}},
		{subject: "[ci][commits] order follows the table", want: []string{"commits", "ci"}},
		{subject: "[COMMITS] case matters", want: nil},
		{subject: "lunch?", want: nil},
	}
	for _, tc := range cases {
		t.Run(tc.subject, func(t *testing.T) {
			dec, err := c.Classify(mail(tc.subject))
			require.NoError(t, err)
			assert.True(t, dec.Relay, "mail always relays, tagged or not")
			assert.Equal(t, tc.want, dec.Tags)
			assert.Equal(t, "body", dec.StrippedBody)
		})
	}
}

func TestClassifySuppressesDuplicateTags(t *testing.T) {
	t.Parallel()
	c := NewClassifier("", []KeywordRule{
		{Contains: "[build]", Tag: "ci"},
		{Contains: "[ci]", Tag: "ci"},
		{Contains: "", Tag: "never"},
	})
	dec, err := c.Classify(mail("[ci][build] green"))
	require.NoError(t, err)
	assert.Equal(t, []string{"ci"}, dec.Tags)
}

func TestClassifyIRC(t *testing.T) {
	t.Parallel()
	ev := InboundEvent{Kind: KindIRC, Author: "alice", Origin: "Chatted on #ops", Body: "build failed", ReceivedAt: time.Unix(1, 0)}

	dec, err := NewClassifier("", nil).Classify(ev)
	require.NoError(t, err)
	assert.Equal(t, RoutingDecision{Relay: true, Tags: []string{"irc"}, StrippedBody: "build failed"}, dec)

	dec, err = NewClassifier("chat", nil).Classify(ev)
	require.NoError(t, err)
	assert.Equal(t, []string{"chat"}, dec.Tags)
}

func TestClassifyRejectsMalformedEvents(t *testing.T) {
	t.Parallel()
	c := NewClassifier("", DefaultRules())

	_, err := c.Classify(InboundEvent{})
	var ce *ClassificationError
	require.ErrorAs(t, err, &ce)
	assert.True(t, errors.Is(err, ErrEmptyEvent))

	_, err = c.Classify(InboundEvent{Kind: SourceKind(42), Body: "x"})
	require.ErrorAs(t, err, &ce)
	assert.True(t, errors.Is(err, ErrUnknownKind))
}
