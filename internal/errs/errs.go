// Package errs defines the failure taxonomy shared by the wearable
// integration packages. Callers match sentinels with errors.Is and the
// typed errors with errors.As.
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

var (
	// ErrConfiguration means client credentials or endpoints are missing.
	ErrConfiguration = errors.New("configuration error")
	// ErrValidation means caller input was malformed. Never retried.
	ErrValidation = errors.New("validation error")
	// ErrNotConnected means the user has no connection or token row.
	ErrNotConnected = errors.New("not connected")
	// ErrConnectionInactive means the connection was revoked or disconnected.
	ErrConnectionInactive = errors.New("connection inactive")
	// ErrReauthRequired means the OAuth flow must be restarted.
	ErrReauthRequired = errors.New("re-authentication required")
	// ErrVendorTransient covers 5xx, 429 and transport failures.
	ErrVendorTransient = errors.New("vendor transient error")
	// ErrVendorTerminal covers every other 4xx response.
	ErrVendorTerminal = errors.New("vendor terminal error")
	// ErrProtocolFallbackExhausted means both data protocols failed.
	ErrProtocolFallbackExhausted = errors.New("protocol fallback exhausted")
	// ErrDecryption means stored token ciphertext could not be opened.
	ErrDecryption = errors.New("decryption error")
	// ErrMissingPermissions means the vendor grant lacks required permissions.
	ErrMissingPermissions = errors.New("missing permissions")
	// ErrCircuitOpen means a dependency breaker is failing fast.
	ErrCircuitOpen = errors.New("circuit open")
)

// Validation wraps a message as a validation error.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Configuration wraps a message as a configuration error.
func Configuration(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// VendorError describes a failed call to the wearable vendor.
// StatusCode is 0 when the request never produced a response.
type VendorError struct {
	Op         string
	StatusCode int
	Code       string // OAuth error code, when the body carried one
	Body       string
	Err        error
}

func (e *VendorError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&sb, ": status %d", e.StatusCode)
	}
	if e.Code != "" {
		fmt.Fprintf(&sb, " (%s)", e.Code)
	}
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %v", e.Err)
	}
	return sb.String()
}

func (e *VendorError) Unwrap() error { return e.Err }

// Transient reports whether the failure is worth retrying.
func (e *VendorError) Transient() bool {
	return e.StatusCode == 0 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Is lets callers match the transient/terminal/reauth sentinels.
func (e *VendorError) Is(target error) bool {
	switch target {
	case ErrVendorTransient:
		return e.Transient()
	case ErrVendorTerminal:
		return !e.Transient()
	case ErrReauthRequired:
		return e.StatusCode == http.StatusUnauthorized || e.Code == "invalid_grant"
	}
	return false
}

// FallbackExhaustedError carries both response bodies for diagnostics.
type FallbackExhaustedError struct {
	Dataset      string
	PrimaryBody  string
	FallbackBody string
	Err          error
}

func (e *FallbackExhaustedError) Error() string {
	return fmt.Sprintf("%s: primary and fallback protocols failed: %v", e.Dataset, e.Err)
}

func (e *FallbackExhaustedError) Unwrap() error { return e.Err }

func (e *FallbackExhaustedError) Is(target error) bool {
	return target == ErrProtocolFallbackExhausted
}

// MissingPermissionsError lists the required permissions the user has not granted.
type MissingPermissionsError struct {
	Missing []string
}

func (e *MissingPermissionsError) Error() string {
	return "missing permissions: " + strings.Join(e.Missing, ", ")
}

func (e *MissingPermissionsError) Is(target error) bool {
	return target == ErrMissingPermissions
}

// NewMissingPermissions returns nil when nothing is missing.
func NewMissingPermissions(required, granted []string) error {
	have := make(map[string]struct{}, len(granted))
	for _, p := range granted {
		have[strings.ToUpper(strings.TrimSpace(p))] = struct{}{}
	}
	var missing []string
	for _, p := range required {
		if _, ok := have[strings.ToUpper(strings.TrimSpace(p))]; !ok {
			missing = append(missing, p)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return &MissingPermissionsError{Missing: missing}
}

// IsTransient reports whether err is a retryable vendor failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrVendorTransient)
}

// HTTPStatus maps an error to the status the API surfaces for it.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrConfiguration):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrMissingPermissions):
		return http.StatusForbidden
	case errors.Is(err, ErrNotConnected),
		errors.Is(err, ErrConnectionInactive),
		errors.Is(err, ErrReauthRequired):
		return http.StatusUnauthorized
	case errors.Is(err, ErrProtocolFallbackExhausted):
		// Checked before the vendor classes it wraps.
		return http.StatusBadGateway
	case errors.Is(err, ErrCircuitOpen), errors.Is(err, ErrVendorTransient):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrVendorTerminal):
		return http.StatusBadGateway
	case errors.Is(err, ErrDecryption):
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// Code returns a short machine-readable name for the error's class.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrConfiguration):
		return "configuration_error"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrMissingPermissions):
		return "missing_permissions"
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	case errors.Is(err, ErrConnectionInactive):
		return "connection_inactive"
	case errors.Is(err, ErrReauthRequired):
		return "reauth_required"
	case errors.Is(err, ErrProtocolFallbackExhausted):
		return "protocol_fallback_exhausted"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrVendorTransient):
		return "vendor_transient"
	case errors.Is(err, ErrVendorTerminal):
		return "vendor_terminal"
	case errors.Is(err, ErrDecryption):
		return "decryption_error"
	}
	return "internal_error"
}
