// Package calendar checks availability and books events on a tenant's calendar.
package calendar

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/wolfman30/whatsapp-concierge/internal/tenancy"
)

// TimeRange is a busy interval.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Availability is the result of a free/busy check.
type Availability struct {
	Available bool
	Conflicts []TimeRange
}

// EventRequest describes an event to create.
type EventRequest struct {
	// ID must be deterministic so that retries do not double-book.
	ID              string
	Summary         string
	Description     string
	Start           time.Time
	Duration        time.Duration
	TimeZone        string
	AttendeeEmail   string
	WithMeetingLink bool
}

// Event is a created (or previously created) calendar event.
type Event struct {
	ID             string
	MeetingLink    string
	AlreadyExisted bool
}

// Calendar is the provider contract used by the scheduling action.
type Calendar interface {
	CheckAvailability(ctx context.Context, start time.Time, duration time.Duration) (Availability, error)
	CreateEvent(ctx context.Context, req EventRequest) (Event, error)
}

// Factory builds a tenant's calendar from its credentials.
type Factory interface {
	ForTenant(ctx context.Context, tenant *tenancy.Tenant) (Calendar, error)
}

// EventIDFor derives a provider-safe event id from a booking id. Google
// accepts base32hex characters, which include lowercase hex.
func EventIDFor(bookingID string) string {
	sum := sha256.Sum256([]byte("booking:" + bookingID))
	return hex.EncodeToString(sum[:16])
}

func overlaps(a, b TimeRange) bool {
	return a.Start.Before(b.End) && b.Start.Before(a.End)
}
