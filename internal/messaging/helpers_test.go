package messaging

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wolfman30/whatsapp-concierge/internal/conversation"
	"github.com/wolfman30/whatsapp-concierge/internal/media"
	"github.com/wolfman30/whatsapp-concierge/internal/tenancy"
)

const testTenantID = "11111111-1111-1111-1111-111111111111"

func noSleep(context.Context, time.Duration) error { return nil }

type fakeCreds struct {
	creds tenancy.MessagingCredentials
	err   error
}

func (f fakeCreds) Messaging(*tenancy.Tenant) (tenancy.MessagingCredentials, error) {
	return f.creds, f.err
}

type fakeResolver struct {
	channels map[string]string
}

func (r fakeResolver) ResolveTenant(_ context.Context, hint tenancy.RoutingHint) (string, error) {
	if id, ok := r.channels[hint.ChannelID]; ok {
		return id, nil
	}
	return "", tenancy.ErrTenantNotFound
}

// countingResolver records every lookup it is asked to make.
type countingResolver struct {
	mu    sync.Mutex
	calls int
	next  fakeResolver
}

func (r *countingResolver) ResolveTenant(ctx context.Context, hint tenancy.RoutingHint) (string, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return r.next.ResolveTenant(ctx, hint)
}

func (r *countingResolver) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakeTenantSource struct{}

func (fakeTenantSource) GetTenant(_ context.Context, tenantID string) (*tenancy.Tenant, error) {
	if tenantID != testTenantID {
		return nil, tenancy.ErrTenantNotFound
	}
	return &tenancy.Tenant{ID: tenantID, Active: true, MessagingCredentials: "ciphertext"}, nil
}

func (fakeTenantSource) ListServices(context.Context, string) ([]tenancy.Service, error) {
	return nil, nil
}

type recordingDispatch struct {
	mu  sync.Mutex
	got []conversation.InboundMessage
	err error
}

func (d *recordingDispatch) dispatch(_ context.Context, in conversation.InboundMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.got = append(d.got, in)
	return d.err
}

func (d *recordingDispatch) messages() []conversation.InboundMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]conversation.InboundMessage(nil), d.got...)
}

type fakeArchive struct {
	mu      sync.Mutex
	objects []media.Object
	err     error
}

func (a *fakeArchive) Enabled() bool { return true }

func (a *fakeArchive) Put(_ context.Context, obj media.Object) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return "", a.err
	}
	a.objects = append(a.objects, obj)
	return "media/v1/" + obj.TenantID + "/object", nil
}

var errQueueDown = errors.New("queue unavailable")
