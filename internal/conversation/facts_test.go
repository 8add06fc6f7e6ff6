package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var factNow = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func extract(state State, ctx ContextData, message string, slots Slots) Extraction {
	return ExtractFacts(FactInput{State: state, Context: ctx, Message: message, Slots: slots, Catalog: testCatalog, Now: factNow})
}

func TestServiceMatching(t *testing.T) {
	tests := []struct {
		name    string
		state   State
		message string
		slots   Slots
		want    string
	}{
		{"list number", StateShowServices, "2", Slots{}, "svc-audit"},
		{"list number with dot", StateShowServices, "1.", Slots{}, "svc-consult"},
		{"number out of range", StateShowServices, "7", Slots{}, ""},
		{"full name", StateShowServices, "I'd like the website audit please", Slots{}, "svc-audit"},
		{"distinctive word", StateGreeting, "can I get a strategy session?", Slots{}, "svc-consult"},
		{"slot without support in message", StateShowServices, "yes that one", Slots{Service: "Website Audit"}, ""},
		{"not while collecting email", StateAskEmail, "website audit", Slots{}, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ext := extract(tc.state, ContextData{}, tc.message, tc.slots)
			if tc.want == "" {
				assert.Nil(t, ext.Service)
				assert.False(t, ext.Facts.HasSelectedService)
				return
			}
			require.NotNil(t, ext.Service)
			assert.Equal(t, tc.want, ext.Service.ID)
			assert.True(t, ext.Facts.HasSelectedService)
			require.NotNil(t, ext.Patch.SelectedServiceID)
			assert.Equal(t, tc.want, *ext.Patch.SelectedServiceID)
		})
	}
}

func TestStoredServiceCarriesLiveCallFlag(t *testing.T) {
	ext := extract(StateSelectTimeSlot, ContextData{SelectedServiceID: "svc-consult", SelectedService: "Strategy Call"}, "tomorrow", Slots{})
	require.NotNil(t, ext.Service)
	assert.True(t, ext.Facts.IsLiveCall)
	assert.Nil(t, ext.Patch.SelectedServiceID, "an unchanged service must not be patched")
}

func TestNameExtraction(t *testing.T) {
	tests := []struct {
		name    string
		state   State
		message string
		slots   Slots
		want    string
	}{
		{"english phrase", StateServiceSelected, "my name is ana silva", Slots{}, "Ana Silva"},
		{"spanish phrase", StateServiceSelected, "Hola, me llamo Lucía Pérez.", Slots{}, "Lucía Pérez"},
		{"bare reply while asking", StateAskName, "Jordan Lee", Slots{}, "Jordan Lee"},
		{"greeting is not a name", StateAskName, "hello", Slots{}, ""},
		{"interest is not a name", StateShowServices, "I'm interested in the audit", Slots{}, ""},
		{"model slot confirmed by message", StateServiceSelected, "sure, put it under Maria", Slots{Name: "Maria"}, "Maria"},
		{"model slot not in message", StateServiceSelected, "sounds good", Slots{Name: "Maria"}, ""},
		{"digits rejected", StateAskName, "call me at 555", Slots{}, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ext := extract(tc.state, ContextData{}, tc.message, tc.slots)
			if tc.want == "" {
				if ext.Patch.Name != nil {
					t.Fatalf("expected no name, got %q", *ext.Patch.Name)
				}
				return
			}
			if ext.Patch.Name == nil || *ext.Patch.Name != tc.want {
				t.Fatalf("expected name %q, got %v", tc.want, ext.Patch.Name)
			}
			if !ext.Facts.HasName {
				t.Fatalf("expected HasName")
			}
		})
	}
}

func TestStoredNameIsKept(t *testing.T) {
	ext := extract(StateAskEmail, ContextData{Name: "Ana"}, "my name is Bob", Slots{})
	assert.True(t, ext.Facts.HasName)
	assert.Nil(t, ext.Patch.Name)
}

func TestEmailExtraction(t *testing.T) {
	ext := extract(StateAskEmail, ContextData{}, "it's Ana.Silva@Example.com.", Slots{})
	require.NotNil(t, ext.Patch.Email)
	assert.Equal(t, "ana.silva@example.com", *ext.Patch.Email)
	assert.True(t, ext.Facts.HasEmail)

	ext = extract(StateAskEmail, ContextData{}, "I'll send it later", Slots{Email: "made.up@example.com"})
	assert.Nil(t, ext.Patch.Email, "model email must appear in the message")
	assert.False(t, ext.Facts.HasEmail)

	ext = extract(StateSelectTimeSlot, ContextData{Email: "a@b.co"}, "friday", Slots{})
	assert.True(t, ext.Facts.HasEmail)
	assert.Nil(t, ext.Patch.Email)
}

func TestPreferredTime(t *testing.T) {
	future := factNow.Add(48 * time.Hour).Format(time.RFC3339)
	past := factNow.Add(-time.Hour).Format(time.RFC3339)

	ext := extract(StateSelectTimeSlot, ContextData{}, "wednesday at 3", Slots{PreferredTime: future})
	require.True(t, ext.Facts.HasPreferredTime)
	assert.Equal(t, future, *ext.Patch.PreferredTime)
	assert.True(t, ext.PreferredTime.Equal(factNow.Add(48*time.Hour)))

	ext = extract(StateSelectTimeSlot, ContextData{}, "yesterday", Slots{PreferredTime: past})
	assert.False(t, ext.Facts.HasPreferredTime, "past times are rejected")

	ext = extract(StateAskEmail, ContextData{}, "wednesday", Slots{PreferredTime: future})
	assert.False(t, ext.Facts.HasPreferredTime, "times are only taken while choosing a slot")

	ext = extract(StateSelectTimeSlot, ContextData{}, "whenever", Slots{PreferredTime: "next week"})
	assert.False(t, ext.Facts.HasPreferredTime)

	ext = extract(StatePayment, ContextData{PreferredTime: future}, "thanks", Slots{})
	assert.True(t, ext.Facts.HasPreferredTime)
	assert.Nil(t, ext.Patch.PreferredTime)
}
