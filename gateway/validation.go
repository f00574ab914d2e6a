package gateway

import "strings"

// ValidateUserCredentials checks login/registration input shape locally.
// Failures never reach the network.
func ValidateUserCredentials(email, password string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return ErrEmailRequired
	}
	if !strings.Contains(email, "@") || !strings.Contains(email, ".") {
		return ErrInvalidEmail
	}
	if password == "" {
		return ErrPasswordRequired
	}
	return nil
}
