package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/sendgrid/rest"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/wolfman30/whatsapp-concierge/internal/events"
	"github.com/wolfman30/whatsapp-concierge/pkg/logging"
)

type fakePush struct {
	sent []events.NotificationV1
	err  error
}

func (f *fakePush) PublishNotification(ctx context.Context, n events.NotificationV1) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, n)
	return nil
}

type fakeEmail struct {
	sent []EmailMessage
	err  error
}

func (f *fakeEmail) Send(ctx context.Context, msg EmailMessage) error {
	f.sent = append(f.sent, msg)
	return f.err
}

func TestDispatcherPushesToAssignee(t *testing.T) {
	push, email := &fakePush{}, &fakeEmail{}
	d := NewDispatcher(push, email, logging.Discard())

	d.Notify(context.Background(), Notification{
		TenantID: "t1", EmployeeID: "e1", Title: "New message", Body: "hi", ConversationID: "c1",
		EmailRecipients: []string{"owner@example.com"},
	})
	if len(push.sent) != 1 || push.sent[0].EmployeeID != "e1" {
		t.Fatalf("expected one push to e1, got %+v", push.sent)
	}
	if len(email.sent) != 0 {
		t.Fatalf("assigned push succeeded; email should be skipped")
	}
}

func TestDispatcherBroadcastAlsoEmails(t *testing.T) {
	push, email := &fakePush{}, &fakeEmail{}
	d := NewDispatcher(push, email, logging.Discard())

	d.Notify(context.Background(), Notification{
		TenantID: "t1", Title: "Support needed", Body: "customer asked for a human", ConversationID: "c1",
		EmailRecipients: []string{"owner@example.com", " "},
	})
	if len(push.sent) != 1 || push.sent[0].EmployeeID != "" {
		t.Fatalf("expected broadcast push, got %+v", push.sent)
	}
	if len(email.sent) != 1 || email.sent[0].To != "owner@example.com" {
		t.Fatalf("expected one email, got %+v", email.sent)
	}
	if email.sent[0].HTML == "" {
		t.Fatalf("expected an html part")
	}
}

func TestAlertHTMLEscapes(t *testing.T) {
	got := alertHTML(Notification{Title: "<b>x</b>", Body: "line1\nline2 & more", ConversationID: "c1"})
	want := "<p><strong>&lt;b&gt;x&lt;/b&gt;</strong></p><p>line1<br>line2 &amp; more</p><p>Conversation: <code>c1</code></p>"
	if got != want {
		t.Fatalf("alertHTML = %q", got)
	}
}

func TestDispatcherSwallowsFailures(t *testing.T) {
	push := &fakePush{err: errors.New("nats down")}
	email := &fakeEmail{err: errors.New("smtp down")}
	d := NewDispatcher(push, email, logging.Discard())

	d.Notify(context.Background(), Notification{TenantID: "t1", EmployeeID: "e1", EmailRecipients: []string{"a@b.c"}})
	if len(email.sent) != 1 {
		t.Fatalf("push failure should fall back to email")
	}

	var nilDispatcher *Dispatcher
	nilDispatcher.Notify(context.Background(), Notification{})
}

func TestNewSendGridSenderDefaults(t *testing.T) {
	if NewSendGridSender(SendGridConfig{}, nil) != nil {
		t.Fatalf("expected nil sender without API key")
	}
	sender := NewSendGridSender(SendGridConfig{APIKey: "k", FromEmail: "a@b.c"}, nil)
	if sender == nil || sender.fromName != defaultFromName {
		t.Fatalf("expected default from name, got %+v", sender)
	}
}

type fakeSES struct {
	input *sesv2.SendEmailInput
}

func (f *fakeSES) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.input = params
	return &sesv2.SendEmailOutput{MessageId: aws.String("m-1")}, nil
}

func TestSESSenderBuildsMessage(t *testing.T) {
	api := &fakeSES{}
	sender := newSESSender(api, SESConfig{FromEmail: "alerts@example.com"}, logging.Discard())

	if err := sender.Send(context.Background(), EmailMessage{To: "owner@example.com", Subject: "S", Body: "B"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := aws.ToString(api.input.FromEmailAddress); got != defaultFromName+" <alerts@example.com>" {
		t.Fatalf("unexpected from %q", got)
	}
	if api.input.Content.Simple.Body.Html != nil {
		t.Fatalf("html body should be unset")
	}
	if NewSESSender(nil, SESConfig{}, nil) != nil {
		t.Fatalf("expected nil sender without client")
	}
}

type fakeSendGrid struct {
	sent   *sgmail.SGMailV3
	status int
}

func (f *fakeSendGrid) SendWithContext(_ context.Context, email *sgmail.SGMailV3) (*rest.Response, error) {
	f.sent = email
	return &rest.Response{StatusCode: f.status, Body: "bad sender"}, nil
}

func TestSendGridSenderSends(t *testing.T) {
	api := &fakeSendGrid{status: 202}
	sender := newSendGridSender(api, SendGridConfig{FromEmail: "alerts@example.com"}, logging.Discard())

	if err := sender.Send(context.Background(), EmailMessage{To: "owner@example.com", Subject: "S", Body: "B"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if api.sent == nil || api.sent.Subject != "S" || api.sent.From.Address != "alerts@example.com" {
		t.Fatalf("unexpected email %+v", api.sent)
	}

	api.status = 403
	if err := sender.Send(context.Background(), EmailMessage{To: "owner@example.com", Subject: "S", Body: "B"}); err == nil {
		t.Fatalf("expected error for 403")
	}
}

func TestEmailValidation(t *testing.T) {
	api := &fakeSendGrid{status: 202}
	sender := newSendGridSender(api, SendGridConfig{FromEmail: "alerts@example.com"}, logging.Discard())

	for _, msg := range []EmailMessage{
		{To: "not-an-address", Subject: "S", Body: "B"},
		{To: "owner@example.com", Body: "B"},
		{To: "owner@example.com", Subject: "S"},
	} {
		if err := sender.Send(context.Background(), msg); !errors.Is(err, ErrInvalidEmail) {
			t.Fatalf("expected ErrInvalidEmail for %+v, got %v", msg, err)
		}
	}
	if api.sent != nil {
		t.Fatalf("invalid messages must not reach the provider")
	}
}
