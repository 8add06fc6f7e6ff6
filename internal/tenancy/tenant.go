// Package tenancy resolves which business owns an inbound conversation and
// loads that business's configuration and credentials.
package tenancy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrTenantNotFound is returned when no tenant matches a routing hint or id.
	ErrTenantNotFound = errors.New("tenancy: tenant not found")
	// ErrTenantSuspended is returned for inactive or suspended tenants.
	ErrTenantSuspended = errors.New("tenancy: tenant suspended or inactive")
	// ErrUsageLimitExceeded is returned when the tier's monthly conversation quota is used up.
	ErrUsageLimitExceeded = errors.New("tenancy: monthly conversation limit reached")
	// ErrNoCredentials is returned when a tenant has not configured a credential.
	ErrNoCredentials = errors.New("tenancy: credentials not configured")
)

// Messaging providers a tenant can be configured with.
const (
	ProviderCloudAPI = "cloud_api"
	ProviderTwilio   = "twilio"
)

// AIConfig is the tenant-controlled shape of the assistant.
type AIConfig struct {
	Tone                string `json:"tone,omitempty"`
	ResponseLength      string `json:"response_length,omitempty"`
	LanguagePolicy      string `json:"language_policy,omitempty"`
	SystemPrompt        string `json:"system_prompt,omitempty"`
	SpecialInstructions string `json:"special_instructions,omitempty"`
}

// Tenant is a business using the platform. Credential fields hold vault
// ciphertext and are empty when not configured.
type Tenant struct {
	ID                       string   `json:"id"`
	Name                     string   `json:"name"`
	Active                   bool     `json:"active"`
	Suspended                bool     `json:"suspended"`
	Tier                     string   `json:"tier"`
	MonthlyConversationLimit int      `json:"monthly_conversation_limit"`
	Timezone                 string   `json:"timezone"`
	SendingNumber            string   `json:"sending_number"`
	MessagingProvider        string   `json:"messaging_provider"`
	MessagingCredentials     string   `json:"messaging_credentials,omitempty"`
	AICredentials            string   `json:"ai_credentials,omitempty"`
	CalendarCredentials      string   `json:"calendar_credentials,omitempty"`
	PaymentCredentials       string   `json:"payment_credentials,omitempty"`
	AI                       AIConfig `json:"ai"`
	NoCardCountries          []string `json:"nocard_countries,omitempty"`
	HandoffEmails            []string `json:"handoff_emails,omitempty"`
}

// CheckActive fails when the tenant must not process new messages.
func (t *Tenant) CheckActive() error {
	if t == nil {
		return ErrTenantNotFound
	}
	if !t.Active || t.Suspended {
		return fmt.Errorf("%w: %s", ErrTenantSuspended, t.ID)
	}
	return nil
}

// IsNoCardPhone reports whether the customer's number falls in a country
// where card payments are unavailable for this tenant.
func (t *Tenant) IsNoCardPhone(phone string) bool {
	digits := DigitsOnly(phone)
	if digits == "" {
		return false
	}
	for _, prefix := range t.NoCardCountries {
		p := DigitsOnly(prefix)
		if p != "" && strings.HasPrefix(digits, p) {
			return true
		}
	}
	return false
}

// MessagingCredentials are the decrypted provider credentials.
type MessagingCredentials struct {
	// Cloud API
	PhoneNumberID string `json:"phone_number_id,omitempty"`
	AccessToken   string `json:"access_token,omitempty"`
	// Twilio
	AccountSID string `json:"account_sid,omitempty"`
	AuthToken  string `json:"auth_token,omitempty"`
	FromNumber string `json:"from_number,omitempty"`
}

// AICredentials select a tenant-owned model account.
type AICredentials struct {
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`
	Model    string `json:"model,omitempty"`
}

// CalendarCredentials hold a Google service account with access to the calendar.
type CalendarCredentials struct {
	ServiceAccountJSON string `json:"service_account_json"`
	CalendarID         string `json:"calendar_id"`
}

// PaymentCredentials describe how payment links are built.
type PaymentCredentials struct {
	CheckoutBaseURL   string `json:"checkout_base_url"`
	AlternativeMethod string `json:"alternative_method,omitempty"`
}

// Service is one entry of a tenant's catalog.
type Service struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	PriceCents      int64  `json:"price_cents"`
	Currency        string `json:"currency"`
	DurationMinutes int    `json:"duration_minutes"`
	IsLiveCall      bool   `json:"is_live_call"`
	Position        int    `json:"position"`
}

// PriceLabel renders the price like "USD 49.00".
func (s Service) PriceLabel() string {
	currency := s.Currency
	if currency == "" {
		currency = "USD"
	}
	return fmt.Sprintf("%s %d.%02d", strings.ToUpper(currency), s.PriceCents/100, s.PriceCents%100)
}

// SortServices orders a catalog by position then name.
func SortServices(services []Service) {
	sort.SliceStable(services, func(i, j int) bool {
		if services[i].Position != services[j].Position {
			return services[i].Position < services[j].Position
		}
		return services[i].Name < services[j].Name
	})
}
