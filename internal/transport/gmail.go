package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/pkg/errors"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const GmailSendScope = gmail.GmailSendScope

// GmailTransport sends through the Gmail API. The mailbox address is used as
// the user id, so the credentials need domain-wide delegation for every
// mailbox the engine sends from.
type GmailTransport struct {
	service *gmail.Service
	now     func() time.Time
}

func NewGmailTransport(ctx context.Context, opts ...option.ClientOption) (*GmailTransport, error) {
	s, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating gmail service")
	}
	return &GmailTransport{service: s, now: time.Now}, nil
}

func (g *GmailTransport) SendNew(ctx context.Context, mailbox string, msg Message) error {
	raw, err := buildRaw(mailbox, msg, g.now(), "", "")
	if err != nil {
		return err
	}
	_, err = g.service.Users.Messages.Send(mailbox, &gmail.Message{Raw: raw}).Context(ctx).Do()
	if err != nil {
		return errors.Wrap(apiError(err), "sending gmail message")
	}
	return nil
}

// Reply looks up the original to thread under it: the new message carries
// In-Reply-To and References and is sent into the original's thread.
func (g *GmailTransport) Reply(ctx context.Context, mailbox, nativeID string, msg Message) error {
	orig, err := g.service.Users.Messages.Get(mailbox, nativeID).
		Format("metadata").MetadataHeaders("Message-ID", "References", "Subject").
		Context(ctx).Do()
	if err != nil {
		return errors.Wrapf(apiError(err), "getting original message %v", nativeID)
	}

	var messageID, references, subject string
	if orig.Payload != nil {
		for _, h := range orig.Payload.Headers {
			switch strings.ToLower(h.Name) {
			case "message-id":
				messageID = h.Value
			case "references":
				references = h.Value
			case "subject":
				subject = h.Value
			}
		}
	}
	if messageID != "" {
		references = strings.TrimSpace(references + " " + messageID)
	}
	if subject != "" && !strings.HasPrefix(strings.ToLower(subject), "re:") {
		msg.Subject = "Re: " + subject
	} else if subject != "" {
		msg.Subject = subject
	}

	raw, err := buildRaw(mailbox, msg, g.now(), messageID, references)
	if err != nil {
		return err
	}
	_, err = g.service.Users.Messages.Send(mailbox, &gmail.Message{Raw: raw, ThreadId: orig.ThreadId}).Context(ctx).Do()
	if err != nil {
		return errors.Wrap(apiError(err), "sending gmail reply")
	}
	return nil
}

// buildRaw renders msg as a base64url RFC 5322 message.
func buildRaw(from string, msg Message, date time.Time, inReplyTo, references string) (string, error) {
	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	to := make([]*mail.Address, 0, len(msg.To))
	for _, addr := range msg.To {
		to = append(to, &mail.Address{Address: addr})
	}
	h.SetAddressList("To", to)
	h.SetSubject(msg.Subject)
	h.SetContentType("text/html", map[string]string{"charset": "utf-8"})
	if inReplyTo != "" {
		h.Set("In-Reply-To", inReplyTo)
	}
	if references != "" {
		h.Set("References", references)
	}
	for _, hdr := range msg.Headers {
		h.Set(hdr.Name, hdr.Value)
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return "", errors.Wrap(err, "creating message writer")
	}
	if _, err := w.Write([]byte(msg.HTMLBody)); err != nil {
		return "", errors.Wrap(err, "writing message body")
	}
	if err := w.Close(); err != nil {
		return "", errors.Wrap(err, "closing message writer")
	}
	return base64.URLEncoding.EncodeToString(buf.Bytes()), nil
}

// apiError turns an HTTP answer from the API into *Error so the dispatcher
// can tell a rejection from a network failure.
func apiError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		body := gerr.Message
		if body == "" {
			body = gerr.Body
		}
		if body == "" {
			body = http.StatusText(gerr.Code)
		}
		return &Error{StatusCode: gerr.Code, Body: body}
	}
	return err
}

var _ Transport = (*GmailTransport)(nil)
