// Package ingest turns delivery status notifications into bounce records.
package ingest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/unclebandit/followup-engine/internal/model"
	"github.com/unclebandit/followup-engine/internal/transport"
)

// ErrNotBounce is returned for messages that carry no delivery failure.
var ErrNotBounce = errors.New("message is not a delivery status notification")

var (
	enhancedCode  = regexp.MustCompile(`\b([245]\.\d{1,3}\.\d{1,3})\b`)
	bounceSubject = regexp.MustCompile(`(?i)(undeliverable|undelivered|delivery status notification|delivery failure|mail delivery failed|returned mail|failure notice)`)
)

// ParseDSN reads one RFC 5322 message. A multipart/report with a
// message/delivery-status part is parsed per RFC 3464; other messages are
// accepted only when the subject looks like a bounce and an enhanced status
// code can be found in the text.
func ParseDSN(r io.Reader) (*model.Bounce, error) {
	ent, err := message.Read(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("reading message: %w", err)
	}

	top := mail.Header{Header: ent.Header}
	b := &model.Bounce{DetectedAt: time.Now().UTC()}
	if d, err := top.Date(); err == nil && !d.IsZero() {
		b.DetectedAt = d.UTC()
	}

	var p parsed
	if err := p.walk(ent); err != nil {
		return nil, err
	}

	if !p.sawReport {
		subject, _ := top.Subject()
		if !bounceSubject.MatchString(subject) {
			return nil, ErrNotBounce
		}
		if p.status == "" {
			if m := enhancedCode.FindStringSubmatch(p.text.String()); m != nil {
				p.status = m[1]
			}
		}
		if p.status == "" {
			return nil, ErrNotBounce
		}
	}

	if failed := ent.Header.Get("X-Failed-Recipients"); failed != "" && len(p.recipients) == 0 {
		for _, a := range strings.Split(failed, ",") {
			p.recipients = append(p.recipients, strings.TrimSpace(a))
		}
	}

	b.BounceType = Classify(p.status, p.action)
	b.BounceCode = p.status
	b.BounceReason = p.diagnostic
	b.FailedRecipients = p.recipients
	b.OriginalSubject = p.subject
	b.TrackedEmailID = p.trackedID
	return b, nil
}

// Classify maps an RFC 3463 status code to a bounce type. Without a code a
// "delayed" action is soft.
func Classify(status, action string) model.BounceType {
	switch {
	case strings.HasPrefix(status, "5."):
		return model.BounceHard
	case strings.HasPrefix(status, "4."):
		return model.BounceSoft
	case status == "" && strings.EqualFold(action, "delayed"):
		return model.BounceSoft
	}
	return model.BounceUnknown
}

type parsed struct {
	sawReport  bool
	status     string
	action     string
	diagnostic string
	recipients []string
	subject    string
	trackedID  *int64
	text       strings.Builder
}

func (p *parsed) walk(ent *message.Entity) error {
	if mr := ent.MultipartReader(); mr != nil {
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return nil
			}
			if err != nil && !message.IsUnknownCharset(err) {
				return fmt.Errorf("reading part: %w", err)
			}
			if err := p.walk(part); err != nil {
				return err
			}
		}
	}

	ct, _, _ := ent.Header.ContentType()
	switch strings.ToLower(ct) {
	case "message/delivery-status", "message/global-delivery-status":
		p.sawReport = true
		return p.readStatus(ent.Body)
	case "text/rfc822-headers", "message/rfc822", "message/global", "message/global-headers":
		return p.readOriginal(ent.Body)
	case "text/plain", "":
		_, err := io.Copy(&p.text, io.LimitReader(ent.Body, 64<<10))
		return err
	}
	_, err := io.Copy(io.Discard, ent.Body)
	return err
}

// readStatus parses the per-message block and every per-recipient block. The
// first failed recipient decides status and diagnostic.
func (p *parsed) readStatus(body io.Reader) error {
	br := bufio.NewReader(body)
	for {
		if _, err := br.Peek(1); err != nil {
			return nil
		}
		// A block cut short by the end of the part still carries its fields.
		h, err := textproto.ReadHeader(br)
		p.recipient(h)
		if err != nil {
			return nil
		}
	}
}

func (p *parsed) recipient(h textproto.Header) {
	rcpt := afterType(h.Get("Final-Recipient"))
	if rcpt == "" {
		rcpt = afterType(h.Get("Original-Recipient"))
	}
	if rcpt == "" {
		return
	}
	p.recipients = append(p.recipients, rcpt)
	if p.status == "" {
		p.status = strings.TrimSpace(h.Get("Status"))
		p.action = strings.ToLower(strings.TrimSpace(h.Get("Action")))
		p.diagnostic = afterType(h.Get("Diagnostic-Code"))
	}
}

// readOriginal picks the subject and the trace header out of the returned
// original message.
func (p *parsed) readOriginal(body io.Reader) error {
	h, _ := textproto.ReadHeader(bufio.NewReader(body))
	mh := mail.Header{Header: message.Header{Header: h}}
	if s, err := mh.Subject(); err == nil {
		p.subject = s
	}
	if raw := strings.TrimSpace(h.Get(transport.HeaderTrackedEmailID)); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			p.trackedID = &id
		}
	}
	return nil
}

// afterType strips the "rfc822;" or "smtp;" type prefix of a DSN field.
func afterType(v string) string {
	if i := strings.IndexByte(v, ';'); i >= 0 {
		v = v[i+1:]
	}
	return strings.TrimSpace(v)
}
