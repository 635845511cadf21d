package token

import "errors"

// Reason identifies why a request was rejected
type Reason string

const (
	ReasonMalformed           Reason = "malformed"
	ReasonUnknownKey          Reason = "unknown_key"
	ReasonAlgorithmNotAllowed Reason = "algorithm_not_allowed"
	ReasonBadSignature        Reason = "bad_signature"
	ReasonIssuerMismatch      Reason = "issuer_mismatch"
	ReasonAudienceMismatch    Reason = "audience_mismatch"
	ReasonExpired             Reason = "expired"
	ReasonNotYetValid         Reason = "not_yet_valid"
	ReasonNoCredential        Reason = "no_credential"
	ReasonKeyResolutionFailed Reason = "key_resolution_failed"
)

// Sentinel rejections for use with errors.Is
var (
	ErrMalformed           = &Rejection{Reason: ReasonMalformed}
	ErrUnknownKey          = &Rejection{Reason: ReasonUnknownKey}
	ErrAlgorithmNotAllowed = &Rejection{Reason: ReasonAlgorithmNotAllowed}
	ErrBadSignature        = &Rejection{Reason: ReasonBadSignature}
	ErrIssuerMismatch      = &Rejection{Reason: ReasonIssuerMismatch}
	ErrAudienceMismatch    = &Rejection{Reason: ReasonAudienceMismatch}
	ErrExpired             = &Rejection{Reason: ReasonExpired}
	ErrNotYetValid         = &Rejection{Reason: ReasonNotYetValid}
	ErrNoCredential        = &Rejection{Reason: ReasonNoCredential}
	ErrKeyResolutionFailed = &Rejection{Reason: ReasonKeyResolutionFailed}
)

// Rejection is the error returned for every failed authorization.
// Err, when set, carries the underlying cause for server-side logs.
type Rejection struct {
	Reason Reason
	Err    error
}

// Reject builds a Rejection for reason wrapping cause (which may be nil)
func Reject(reason Reason, cause error) *Rejection {
	return &Rejection{Reason: reason, Err: cause}
}

func (r *Rejection) Error() string {
	if r.Err == nil {
		return "token rejected: " + string(r.Reason)
	}
	return "token rejected: " + string(r.Reason) + ": " + r.Err.Error()
}

func (r *Rejection) Unwrap() error { return r.Err }

// Is matches any Rejection with the same reason
func (r *Rejection) Is(target error) bool {
	t, ok := target.(*Rejection)
	return ok && t.Reason == r.Reason
}

// ReasonOf extracts the rejection reason from err. Errors that are not
// rejections are reported as malformed so callers always fail closed.
func ReasonOf(err error) Reason {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return ReasonMalformed
}
