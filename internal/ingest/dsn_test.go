package ingest_test

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/unclebandit/followup-engine/internal/ingest"
	"github.com/unclebandit/followup-engine/internal/model"
)

func crlf(s string) string { return strings.ReplaceAll(s, "\n", "\r\n") }

func TestParseDSNReport(t *testing.T) {
	f, err := os.Open("testdata/hard.eml")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	b, err := ingest.ParseDSN(f)
	if err != nil {
		t.Fatalf("ParseDSN: %v", err)
	}

	id := int64(42)
	want := &model.Bounce{
		TrackedEmailID:   &id,
		BounceType:       model.BounceHard,
		BounceCode:       "5.1.1",
		BounceReason:     "550 5.1.1 <buyer@client.test>: Recipient address rejected",
		FailedRecipients: []string{"Buyer@Client.test"},
		OriginalSubject:  "Re: Proposal",
		DetectedAt:       time.Date(2026, 10, 13, 10, 15, 0, 0, time.UTC),
	}
	if diff := cmp.Diff(want, b); diff != "" {
		t.Errorf("bounce mismatch (-want +got):\n%s", diff)
	}
}

const softReport = `From: postmaster@client.test
Subject: Delivery Status Notification (Delay)
MIME-Version: 1.0
Content-Type: multipart/report; report-type=delivery-status; boundary="b1"

--b1
Content-Type: message/delivery-status

Reporting-MTA: dns; mx.client.test

Final-Recipient: rfc822; full@client.test
Action: delayed
Status: 4.2.2
Diagnostic-Code: smtp; 452 4.2.2 Mailbox full

--b1--
`

func TestParseDSNSoft(t *testing.T) {
	b, err := ingest.ParseDSN(strings.NewReader(crlf(softReport)))
	if err != nil {
		t.Fatalf("ParseDSN: %v", err)
	}
	if b.BounceType != model.BounceSoft || b.BounceCode != "4.2.2" {
		t.Errorf("got type %s code %q, want soft 4.2.2", b.BounceType, b.BounceCode)
	}
	if b.TrackedEmailID != nil {
		t.Errorf("expected no trace link, got %d", *b.TrackedEmailID)
	}
	if diff := cmp.Diff([]string{"full@client.test"}, b.FailedRecipients); diff != "" {
		t.Errorf("recipients mismatch (-want +got):\n%s", diff)
	}
}

func TestParseDSNFallback(t *testing.T) {
	raw := `From: MAILER-DAEMON@mx.client.test
Subject: Mail delivery failed: returning message to sender
X-Failed-Recipients: gone@client.test, other@client.test
Content-Type: text/plain

A message that you sent could not be delivered.
  gone@client.test
    SMTP error from remote mail server: 550 5.1.1 No such user
`
	b, err := ingest.ParseDSN(strings.NewReader(crlf(raw)))
	if err != nil {
		t.Fatalf("ParseDSN: %v", err)
	}
	if b.BounceType != model.BounceHard || b.BounceCode != "5.1.1" {
		t.Errorf("got type %s code %q, want hard 5.1.1", b.BounceType, b.BounceCode)
	}
	if diff := cmp.Diff([]string{"gone@client.test", "other@client.test"}, b.FailedRecipients); diff != "" {
		t.Errorf("recipients mismatch (-want +got):\n%s", diff)
	}
}

func TestParseDSNRejectsOrdinaryMail(t *testing.T) {
	tests := map[string]string{
		"reply": `From: buyer@client.test
Subject: Re: Proposal
Content-Type: text/plain

Sounds good, 5.1.1 is the section we discussed.
`,
		"bounce subject without code": `From: postmaster@client.test
Subject: Undeliverable: Proposal
Content-Type: text/plain

Something went wrong.
`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ingest.ParseDSN(strings.NewReader(crlf(raw)))
			if !errors.Is(err, ingest.ErrNotBounce) {
				t.Fatalf("err = %v, want ErrNotBounce", err)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		status, action string
		want           model.BounceType
	}{
		{"5.1.1", "failed", model.BounceHard},
		{"4.4.1", "failed", model.BounceSoft},
		{"", "delayed", model.BounceSoft},
		{"", "failed", model.BounceUnknown},
		{"2.0.0", "delivered", model.BounceUnknown},
	}
	for _, tt := range tests {
		if got := ingest.Classify(tt.status, tt.action); got != tt.want {
			t.Errorf("Classify(%q, %q) = %s, want %s", tt.status, tt.action, got, tt.want)
		}
	}
}
