package mpesa

import (
	"strings"

	"kenfuse-payment-svc/apperr"
)

const countryCode = "254"

// NormalizePhone rewrites a Kenyan subscriber number into the 2547XXXXXXXX
// form the gateway expects. Spaces and dashes are dropped, a leading "+" is
// stripped and a leading trunk "0" is replaced by the country code.
func NormalizePhone(raw string) string {
	phone := strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(raw))
	switch {
	case strings.HasPrefix(phone, "+"):
		phone = phone[1:]
	case strings.HasPrefix(phone, "0"):
		phone = countryCode + phone[1:]
	case len(phone) == 9 && (phone[0] == '7' || phone[0] == '1'):
		phone = countryCode + phone
	}
	return phone
}

func ValidatePhone(phone string) error {
	if phone == "" {
		return apperr.Validation("phone", "is required")
	}
	for _, r := range phone {
		if r < '0' || r > '9' {
			return apperr.Validation("phone", "must contain digits only")
		}
	}
	if len(phone) != 12 || !strings.HasPrefix(phone, countryCode) {
		return apperr.Validation("phone", "must be a Kenyan mobile number")
	}
	return nil
}
