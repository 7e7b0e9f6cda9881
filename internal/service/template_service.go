// internal/service/template_service.go
package service

import (
	"strconv"
	"strings"

	"github.com/unclebandit/followup-engine/internal/model"
)

// RenderTemplate replaces every {key} in template with data[key].
func RenderTemplate(template string, data map[string]string) string {
	result := template
	for k, v := range data {
		result = strings.ReplaceAll(result, "{"+k+"}", v)
	}
	return result
}

// TemplateService renders follow-up content per step. Steps without their
// own template use the default one.
type TemplateService struct {
	Subjects map[int]string
	Bodies   map[int]string

	DefaultSubject string
	DefaultBody    string
}

func NewTemplateService() *TemplateService {
	return &TemplateService{
		Subjects: map[int]string{},
		Bodies: map[int]string{
			1: "<p>Hi,</p><p>Just following up on my note about {original_subject}. Did you get a chance to look at it?</p><p>{sender_email}</p>",
			2: "<p>Hi,</p><p>Circling back on {original_subject} in case it got buried.</p><p>{sender_email}</p>",
		},
		DefaultSubject: "Re: {original_subject}",
		DefaultBody:    "<p>Hi,</p><p>One last follow-up on {original_subject}.</p><p>{sender_email}</p>",
	}
}

// Render returns the subject and HTML body for the given step of email.
func (t *TemplateService) Render(step int, email model.TrackedEmail) (string, string) {
	data := map[string]string{
		"recipient_email":  email.RecipientEmail,
		"original_subject": email.Subject,
		"step":             strconv.Itoa(step),
		"sender_email":     email.SenderEmail,
	}

	subject, ok := t.Subjects[step]
	if !ok || strings.TrimSpace(subject) == "" {
		subject = t.DefaultSubject
	}
	body, ok := t.Bodies[step]
	if !ok || strings.TrimSpace(body) == "" {
		body = t.DefaultBody
	}
	return RenderTemplate(subject, data), RenderTemplate(body, data)
}
