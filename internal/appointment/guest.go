package appointment

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// GuestFirstName marks a patient whose identity was never confirmed.
	GuestFirstName = "Guest"

	placeholderEmailPrefix = "guest."
	placeholderEmailDomain = "@guest.clinic"

	minPhoneDigits = 7
)

// GuestIdentity is what an unauthenticated booker tells us about themselves.
// Phone and Email are expected to be normalized already.
type GuestIdentity struct {
	Phone string
	Email string
	Name  string
}

// NormalizePhone keeps the digits of raw and a leading "+".
func NormalizePhone(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	var b strings.Builder
	if strings.HasPrefix(raw, "+") {
		b.WriteByte('+')
	}
	digits := 0
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
			digits++
		}
	}
	if digits < minPhoneDigits {
		return "", badRequest("phone number must contain at least %d digits", minPhoneDigits)
	}
	return b.String(), nil
}

// NormalizeEmail lower-cases and validates raw. Empty input stays empty.
func NormalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", nil
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", badRequest("invalid email address %q", raw)
	}
	return email, nil
}

// PlaceholderEmail is the deterministic address stored for a guest who gave
// no email.
func PlaceholderEmail(phone string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)
	return placeholderEmailPrefix + digits + placeholderEmailDomain
}

// IsPlaceholderEmail reports whether email was generated by PlaceholderEmail.
func IsPlaceholderEmail(email string) bool {
	e := strings.ToLower(email)
	return strings.HasPrefix(e, placeholderEmailPrefix) && strings.HasSuffix(e, placeholderEmailDomain)
}

// isGuestProfile is the single place that decides whether a stored patient
// still carries the unconfirmed guest identity.
func isGuestProfile(p *Patient) bool {
	return strings.EqualFold(strings.TrimSpace(p.FirstName), GuestFirstName) &&
		strings.TrimSpace(p.LastName) == ""
}

// ParseGuestName splits raw into a first name and the remainder as last
// name, upper-casing only the first letter of each. No name yields ("Guest", "").
func ParseGuestName(raw string) (first, last string) {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return GuestFirstName, ""
	}
	first = capitalize(fields[0])
	if len(fields) > 1 {
		last = capitalize(strings.Join(fields[1:], " "))
	}
	return first, last
}

// capitalize upper-cases the first rune and keeps the rest as typed.
func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError && size <= 1 {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

// ResolveGuestPatient finds the patient by email, then by phone, and creates
// one when neither matches. A found guest profile is refreshed one way only:
// guest name to real name, placeholder email to real email. A lost creation
// race falls back to the lookup.
func ResolveGuestPatient(ctx context.Context, store PatientStore, tenantID uuid.UUID, id GuestIdentity) (*Patient, error) {
	if id.Phone == "" {
		return nil, badRequest("phone number is required for guest bookings")
	}
	first, last := ParseGuestName(id.Name)

	existing, err := lookupGuest(ctx, store, tenantID, id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return refreshGuest(ctx, store, existing, first, last, id)
	}

	email := id.Email
	if email == "" {
		email = PlaceholderEmail(id.Phone)
	}
	p := &Patient{
		TenantID:  tenantID,
		FirstName: first,
		LastName:  last,
		Email:     email,
		Phone:     id.Phone,
	}

	err = store.CreatePatient(ctx, p)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrDuplicatePatient) {
		return nil, fmt.Errorf("create guest patient: %w", err)
	}

	existing, err = lookupGuest(ctx, store, tenantID, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		existing, err = store.FindPatientByEmail(ctx, tenantID, email)
		if err != nil {
			return nil, fmt.Errorf("reload guest patient after duplicate insert: %w", err)
		}
	}
	return refreshGuest(ctx, store, existing, first, last, id)
}

func lookupGuest(ctx context.Context, store PatientStore, tenantID uuid.UUID, id GuestIdentity) (*Patient, error) {
	if id.Email != "" {
		p, err := store.FindPatientByEmail(ctx, tenantID, id.Email)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrPatientNotFound) {
			return nil, fmt.Errorf("find patient by email: %w", err)
		}
	}

	p, err := store.FindPatientByPhone(ctx, tenantID, id.Phone)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrPatientNotFound) {
		return nil, fmt.Errorf("find patient by phone: %w", err)
	}
	return nil, nil
}

func refreshGuest(ctx context.Context, store PatientStore, p *Patient, first, last string, id GuestIdentity) (*Patient, error) {
	if !mergeGuest(p, first, last, id) {
		return p, nil
	}
	if err := store.UpdatePatient(ctx, p); err != nil {
		if errors.Is(err, ErrDuplicatePatient) {
			return nil, conflict(err, "another patient already uses this phone and email")
		}
		return nil, fmt.Errorf("update guest patient: %w", err)
	}
	return p, nil
}

// mergeGuest applies the incoming identity to p and reports whether anything
// changed.
func mergeGuest(p *Patient, first, last string, id GuestIdentity) bool {
	changed := false

	moreSpecific := !strings.EqualFold(first, GuestFirstName) || last != ""
	if isGuestProfile(p) && moreSpecific && (p.FirstName != first || p.LastName != last) {
		p.FirstName, p.LastName = first, last
		changed = true
	}

	if id.Email != "" && p.Email != id.Email && (p.Email == "" || IsPlaceholderEmail(p.Email)) {
		p.Email = id.Email
		changed = true
	}

	if id.Phone != "" && p.Phone != id.Phone {
		p.Phone = id.Phone
		changed = true
	}

	return changed
}
