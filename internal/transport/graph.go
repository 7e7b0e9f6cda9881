package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2/clientcredentials"
)

const (
	DefaultGraphBaseURL = "https://graph.microsoft.com/v1.0"
	DefaultGraphScope   = "https://graph.microsoft.com/.default"

	// maxErrorBody bounds how much of a provider error body is kept.
	maxErrorBody = 2048
)

type GraphConfig struct {
	BaseURL      string
	TenantID     string
	ClientID     string
	ClientSecret string
	// TokenURL overrides the tenant token endpoint.
	TokenURL string
	Scopes   []string
}

// GraphTransport talks to a Graph-style mail API as an application, sending
// on behalf of the mailbox in the path.
type GraphTransport struct {
	BaseURL string
	Client  *http.Client
}

// NewGraphTransport returns a transport whose client fetches and refreshes
// client-credentials tokens on its own.
func NewGraphTransport(ctx context.Context, cfg GraphConfig) *GraphTransport {
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = "https://login.microsoftonline.com/" + url.PathEscape(cfg.TenantID) + "/oauth2/v2.0/token"
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{DefaultGraphScope}
	}
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
	}
	base := cfg.BaseURL
	if base == "" {
		base = DefaultGraphBaseURL
	}
	return &GraphTransport{BaseURL: strings.TrimRight(base, "/"), Client: cc.Client(ctx)}
}

type graphAddress struct {
	EmailAddress struct {
		Address string `json:"address"`
	} `json:"emailAddress"`
}

type graphHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphMessage struct {
	Subject                string         `json:"subject,omitempty"`
	Body                   *graphBody     `json:"body,omitempty"`
	ToRecipients           []graphAddress `json:"toRecipients,omitempty"`
	InternetMessageHeaders []graphHeader  `json:"internetMessageHeaders,omitempty"`
}

type graphSendRequest struct {
	Message         graphMessage `json:"message"`
	SaveToSentItems bool         `json:"saveToSentItems"`
}

type graphReplyRequest struct {
	Message graphMessage `json:"message"`
}

func toGraph(msg Message, withSubject bool) graphMessage {
	gm := graphMessage{Body: &graphBody{ContentType: "HTML", Content: msg.HTMLBody}}
	if withSubject {
		gm.Subject = msg.Subject
	}
	for _, to := range msg.To {
		var a graphAddress
		a.EmailAddress.Address = to
		gm.ToRecipients = append(gm.ToRecipients, a)
	}
	for _, h := range msg.Headers {
		gm.InternetMessageHeaders = append(gm.InternetMessageHeaders, graphHeader{Name: h.Name, Value: h.Value})
	}
	return gm
}

func (g *GraphTransport) SendNew(ctx context.Context, mailbox string, msg Message) error {
	path := "/users/" + url.PathEscape(mailbox) + "/sendMail"
	return g.post(ctx, path, graphSendRequest{Message: toGraph(msg, true), SaveToSentItems: true})
}

// Reply answers the original message, which keeps the provider's
// conversation threading. The subject is the provider's "Re:" form.
func (g *GraphTransport) Reply(ctx context.Context, mailbox, nativeID string, msg Message) error {
	path := "/users/" + url.PathEscape(mailbox) + "/messages/" + url.PathEscape(nativeID) + "/reply"
	return g.post(ctx, path, graphReplyRequest{Message: toGraph(msg, false)})
}

func (g *GraphTransport) post(ctx context.Context, path string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := g.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("posting %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &Error{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
}

var _ Transport = (*GraphTransport)(nil)
