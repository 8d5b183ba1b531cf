//go:build !darwin

package permissions

import "github.com/rs/zerolog"

// CheckMicrophone reports Authorized; only macOS gates capture.
func CheckMicrophone() Status {
	return Authorized
}

// EnsureMicrophone is a no-op on non-macOS platforms.
func EnsureMicrophone(log zerolog.Logger) error {
	return nil
}
