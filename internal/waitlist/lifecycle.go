package waitlist

import (
	"strings"
	"time"
	"unicode"

	"qms/waitlist-service/internal/events"
	"qms/waitlist-service/internal/geofence"
	"qms/waitlist-service/internal/models"
	"qms/waitlist-service/internal/store"
)

const (
	minPhoneDigits = 8
	maxPhoneDigits = 16
	maxNameLength  = 100

	// TIMESTAMPTZ keeps microseconds; called_at echoed back by the backend must compare equal.
	calledAtPrecision = time.Microsecond
)

type RegisterInput struct {
	Name        string             `json:"name"`
	Phone       string             `json:"phone"`
	PartySize   int                `json:"party_size"`
	Preferences models.Preferences `json:"preferences"`
	Location    *geofence.Point    `json:"location,omitempty"`
}

func validateRegistration(input RegisterInput, maxPartySize int, fence geofence.Fence) (RegisterInput, error) {
	input.Name = strings.TrimSpace(input.Name)
	input.Phone = strings.TrimSpace(input.Phone)
	if input.Name == "" {
		return input, store.Invalid("name", "name is required")
	}
	if len([]rune(input.Name)) > maxNameLength {
		return input, store.Invalid("name", "name is too long")
	}
	if err := validatePhone(input.Phone); err != nil {
		return input, err
	}
	if err := validatePartySize(input.PartySize, maxPartySize); err != nil {
		return input, err
	}
	prefs, err := models.NormalizePreferences(input.Preferences)
	if err != nil {
		return input, store.Invalid("preferences", err.Error())
	}
	input.Preferences = prefs

	if fence.Enabled() {
		if input.Location == nil {
			return input, store.Invalid("location", "location is required")
		}
		if !input.Location.Valid() {
			return input, store.Invalid("location", "location is out of range")
		}
		if !fence.Contains(*input.Location) {
			return input, store.ErrOutsideGeofence
		}
	}
	return input, nil
}

func validatePhone(phone string) error {
	digits := 0
	for _, r := range phone {
		switch {
		case unicode.IsDigit(r):
			digits++
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		case r == '+' && digits == 0:
		default:
			return store.Invalid("phone", "phone may only contain digits")
		}
	}
	if digits < minPhoneDigits || digits > maxPhoneDigits {
		return store.Invalid("phone", "phone must have between 8 and 16 digits")
	}
	return nil
}

func validatePartySize(size, max int) error {
	if size < 1 {
		return store.Invalid("party_size", "party size must be at least 1")
	}
	if max > 0 && size > max {
		return store.Invalid("party_size", "party size is too large")
	}
	return nil
}

// transition moves customer through action and returns the backend fields that
// persist it. The update is conditional on the status the customer had locally.
func transition(customer models.Customer, action string, now time.Time) (models.Customer, store.CustomerFields, error) {
	if !store.ValidTransition(action, customer.Status) {
		return customer, store.CustomerFields{}, store.ErrInvalidState
	}
	target, _ := store.TargetStatus(action)
	fields := store.CustomerFields{Status: &target, ExpectedStatus: customer.Status}
	switch action {
	case store.ActionCall:
		calledAt := now.UTC().Truncate(calledAtPrecision)
		fields.CalledAt = &calledAt
	case store.ActionTimeout:
		fields.ClearCalledAt = true
	}
	return fields.Apply(customer), fields, nil
}

func eventSubject(action string) string {
	switch action {
	case store.ActionCall:
		return events.CustomerCalled
	case store.ActionConfirm, store.ActionFinish:
		return events.CustomerSeated
	case store.ActionRemove, store.ActionLeave:
		return events.CustomerLeft
	case store.ActionTimeout:
		return events.CustomerTimedOut
	default:
		return events.CustomerUpdated
	}
}

// sameCalledAt compares call times at the precision the backend stores them.
func sameCalledAt(a, b time.Time) bool {
	return a.Truncate(calledAtPrecision).Equal(b.Truncate(calledAtPrecision))
}

func phoneMatches(stored, given string) bool {
	return stored != "" && stored == given
}
