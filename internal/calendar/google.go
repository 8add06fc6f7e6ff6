package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/wolfman30/whatsapp-concierge/internal/tenancy"
)

// GoogleCalendar implements Calendar on Google Calendar.
type GoogleCalendar struct {
	svc        *gcal.Service
	calendarID string
}

var _ Calendar = (*GoogleCalendar)(nil)

// NewGoogleCalendar builds a client from service-account credentials.
func NewGoogleCalendar(ctx context.Context, creds tenancy.CalendarCredentials, opts ...option.ClientOption) (*GoogleCalendar, error) {
	if strings.TrimSpace(creds.CalendarID) == "" {
		return nil, errors.New("calendar: calendar id is required")
	}
	if creds.ServiceAccountJSON != "" {
		opts = append([]option.ClientOption{
			option.WithCredentialsJSON([]byte(creds.ServiceAccountJSON)),
			option.WithScopes(gcal.CalendarEventsScope, gcal.CalendarReadonlyScope),
		}, opts...)
	}
	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("calendar: create google service: %w", err)
	}
	return &GoogleCalendar{svc: svc, calendarID: creds.CalendarID}, nil
}

// CheckAvailability queries free/busy for the slot.
func (g *GoogleCalendar) CheckAvailability(ctx context.Context, start time.Time, duration time.Duration) (Availability, error) {
	slot := TimeRange{Start: start.UTC(), End: start.Add(duration).UTC()}
	resp, err := g.svc.Freebusy.Query(&gcal.FreeBusyRequest{
		TimeMin: slot.Start.Format(time.RFC3339),
		TimeMax: slot.End.Format(time.RFC3339),
		Items:   []*gcal.FreeBusyRequestItem{{Id: g.calendarID}},
	}).Context(ctx).Do()
	if err != nil {
		return Availability{}, fmt.Errorf("calendar: freebusy: %w", err)
	}
	cal, ok := resp.Calendars[g.calendarID]
	if !ok {
		return Availability{}, fmt.Errorf("calendar: freebusy response missing calendar %s", g.calendarID)
	}
	if len(cal.Errors) > 0 {
		return Availability{}, fmt.Errorf("calendar: freebusy error: %s", cal.Errors[0].Reason)
	}

	out := Availability{Available: true}
	for _, period := range cal.Busy {
		busyStart, err1 := time.Parse(time.RFC3339, period.Start)
		busyEnd, err2 := time.Parse(time.RFC3339, period.End)
		if err1 != nil || err2 != nil {
			continue
		}
		busy := TimeRange{Start: busyStart, End: busyEnd}
		if overlaps(slot, busy) {
			out.Available = false
			out.Conflicts = append(out.Conflicts, busy)
		}
	}
	return out, nil
}

// CreateEvent inserts the event. An existing event with the same id is
// treated as already created.
func (g *GoogleCalendar) CreateEvent(ctx context.Context, req EventRequest) (Event, error) {
	tz := req.TimeZone
	if tz == "" {
		tz = "UTC"
	}
	ev := &gcal.Event{
		Id:          req.ID,
		Summary:     req.Summary,
		Description: req.Description,
		Start:       &gcal.EventDateTime{DateTime: req.Start.Format(time.RFC3339), TimeZone: tz},
		End:         &gcal.EventDateTime{DateTime: req.Start.Add(req.Duration).Format(time.RFC3339), TimeZone: tz},
	}
	if req.AttendeeEmail != "" {
		ev.Attendees = []*gcal.EventAttendee{{Email: req.AttendeeEmail}}
	}
	call := g.svc.Events.Insert(g.calendarID, ev)
	if req.WithMeetingLink {
		ev.ConferenceData = &gcal.ConferenceData{
			CreateRequest: &gcal.CreateConferenceRequest{
				RequestId:             req.ID,
				ConferenceSolutionKey: &gcal.ConferenceSolutionKey{Type: "hangoutsMeet"},
			},
		}
		call = call.ConferenceDataVersion(1)
	}

	created, err := call.Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusConflict {
			existing, getErr := g.svc.Events.Get(g.calendarID, req.ID).Context(ctx).Do()
			if getErr != nil {
				return Event{ID: req.ID, AlreadyExisted: true}, nil
			}
			return Event{ID: existing.Id, MeetingLink: existing.HangoutLink, AlreadyExisted: true}, nil
		}
		return Event{}, fmt.Errorf("calendar: insert event: %w", err)
	}
	return Event{ID: created.Id, MeetingLink: created.HangoutLink}, nil
}

// GoogleFactory builds per-tenant Google calendars from vault credentials.
type GoogleFactory struct {
	vault *tenancy.Vault
	opts  []option.ClientOption
}

// NewGoogleFactory creates a factory. Extra client options apply to every calendar.
func NewGoogleFactory(vault *tenancy.Vault, opts ...option.ClientOption) *GoogleFactory {
	if vault == nil {
		panic("calendar: vault required")
	}
	return &GoogleFactory{vault: vault, opts: opts}
}

// ForTenant implements Factory.
func (f *GoogleFactory) ForTenant(ctx context.Context, tenant *tenancy.Tenant) (Calendar, error) {
	creds, err := f.vault.Calendar(tenant)
	if err != nil {
		return nil, err
	}
	return NewGoogleCalendar(ctx, creds, f.opts...)
}
