// Package bookings persists bookings created by conversation flows.
package bookings

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a booking does not exist for the tenant.
var ErrNotFound = errors.New("bookings: not found")

type Status string

const (
	StatusPending         Status = "pending"
	StatusAwaitingPayment Status = "awaiting_payment"
	StatusConfirmed       Status = "confirmed"
	StatusCompleted       Status = "completed"
	StatusCancelled       Status = "cancelled"
)

type PaymentStatus string

const (
	PaymentUnpaid PaymentStatus = "unpaid"
	PaymentPaid   PaymentStatus = "paid"
)

type Source string

const (
	SourceConversationAI Source = "conversation_ai"
	SourceManual         Source = "manual"
)

// Booking is one customer reservation for a catalog service.
type Booking struct {
	ID              string
	TenantID        string
	ConversationID  string
	CustomerPhone   string
	CustomerName    string
	CustomerEmail   string
	ServiceID       string
	ServiceName     string
	ScheduledFor    *time.Time
	Status          Status
	PaymentStatus   PaymentStatus
	Source          Source
	IdempotencyKey  string
	CalendarEventID string
	MeetingLink     string
	CreatedAt       time.Time
}

// CreateInput describes a pending booking.
type CreateInput struct {
	TenantID       string
	ConversationID string
	CustomerPhone  string
	CustomerName   string
	CustomerEmail  string
	ServiceID      string
	ServiceName    string
	ScheduledFor   *time.Time
	IdempotencyKey string
}
