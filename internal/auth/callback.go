package auth

import (
	"net/url"
	"strings"

	"github.com/btouchard/stride/internal/errs"
)

const (
	MaxCodeLength  = 512
	MaxStateLength = 4096
	maxErrorLength = 256
)

// Callback holds the parameters of the vendor's OAuth redirect.
type Callback struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// Denied reports whether the vendor redirected with an error instead of a code.
func (c Callback) Denied() bool { return c.Error != "" }

// ParseCallback validates the redirect query before any network call.
// A vendor-reported error is returned as a Callback with Denied() true and a
// nil error, so the caller can surface it to the user.
func ParseCallback(q url.Values) (Callback, error) {
	cb := Callback{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}

	if cb.Error != "" {
		if len(cb.Error) > maxErrorLength || !isPrintableASCII(cb.Error) {
			return Callback{}, errs.Validation("malformed error parameter")
		}
		if len(cb.ErrorDescription) > maxErrorLength {
			cb.ErrorDescription = cb.ErrorDescription[:maxErrorLength]
		}
		return cb, nil
	}

	switch {
	case cb.Code == "":
		return Callback{}, errs.Validation("code is required")
	case len(cb.Code) > MaxCodeLength:
		return Callback{}, errs.Validation("code exceeds %d characters", MaxCodeLength)
	case !isPrintableASCII(cb.Code):
		return Callback{}, errs.Validation("code contains invalid characters")
	case cb.State == "":
		return Callback{}, errs.Validation("state is required")
	case len(cb.State) > MaxStateLength:
		return Callback{}, errs.Validation("state exceeds %d characters", MaxStateLength)
	case strings.Trim(cb.State, stateAlphabet) != "":
		return Callback{}, errs.Validation("state contains invalid characters")
	}
	return cb, nil
}

// base64url, hex and the separator.
const stateAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_."

func isPrintableASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x21 || s[i] > 0x7e {
			return false
		}
	}
	return true
}
