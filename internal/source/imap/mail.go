package imap

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"relaybot/internal/relay"
)

// TruncationMarker ends a raw fallback body that was cut.
const TruncationMarker = " [truncated]"

// ParseMessage builds the event for one RFC 5322 message. The body is the
// first text/html part, else the first text/plain part, else the raw message
// capped at fallbackMax bytes.
func ParseMessage(raw []byte, fallbackMax int, at time.Time) (relay.InboundEvent, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if mr == nil {
		return relay.InboundEvent{}, fmt.Errorf("parse message: %w", err)
	}
	defer mr.Close()

	subject, err := mr.Header.Subject()
	if err != nil {
		subject = mr.Header.Get("Subject")
	}

	var htmlBody, textBody string
	var haveHTML, haveText bool
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		// Unknown charsets still yield the undecoded part. Anything else
		// ends the walk; whatever was found so far stands.
		if err != nil && !(message.IsUnknownCharset(err) && p != nil) {
			break
		}
		var h message.Header
		switch ph := p.Header.(type) {
		case *mail.InlineHeader:
			h = ph.Header
		case *mail.AttachmentHeader:
			// Parts without a text type land here too; only explicit
			// attachments are skipped.
			if disp, _, _ := ph.ContentDisposition(); disp == "attachment" {
				continue
			}
			h = ph.Header
		default:
			continue
		}
		ct, _, _ := h.ContentType()
		if ct == "" {
			ct = "text/plain"
		}
		switch {
		case ct == "text/html" && !haveHTML:
			b, err := io.ReadAll(p.Body)
			if err != nil {
				continue
			}
			htmlBody, haveHTML = string(b), true
		case ct == "text/plain" && !haveText:
			b, err := io.ReadAll(p.Body)
			if err != nil {
				continue
			}
			textBody, haveText = string(b), true
		}
	}

	body := htmlBody
	switch {
	case haveHTML:
	case haveText:
		body = textBody
	default:
		body = capRaw(raw, fallbackMax)
	}

	return relay.InboundEvent{
		Kind:       relay.KindMail,
		Author:     firstFrom(mr.Header),
		Origin:     subject,
		Body:       body,
		ReceivedAt: at,
	}, nil
}

func firstFrom(h mail.Header) string {
	list, err := h.AddressList("From")
	if err == nil && len(list) > 0 && list[0] != nil {
		a := list[0]
		if a.Name != "" {
			return a.Name + " <" + a.Address + ">"
		}
		return a.Address
	}
	// Unparseable From: keep the decoded raw header.
	raw := h.Get("From")
	if dec, err := new(mime.WordDecoder).DecodeHeader(raw); err == nil {
		return strings.TrimSpace(dec)
	}
	return strings.TrimSpace(raw)
}

// capRaw renders raw as valid UTF-8 no longer than limit bytes, marker included.
func capRaw(raw []byte, limit int) string {
	s := strings.ToValidUTF8(string(raw), "")
	if limit <= 0 || len(s) <= limit {
		return s
	}
	marker := TruncationMarker
	if len(marker) > limit {
		marker = ""
	}
	cut := limit - len(marker)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + marker
}
