package mediawiki

import (
	"errors"
	"fmt"
)

// SaveErrorKind classifies why an edit was not saved.
type SaveErrorKind int

const (
	Unknown SaveErrorKind = iota
	EditConflict
	Locked
	AbuseFilterRejected
	SpamBlocked
	OtherRejected
)

func (k SaveErrorKind) String() string {
	switch k {
	case EditConflict:
		return "edit conflict"
	case Locked:
		return "locked"
	case AbuseFilterRejected:
		return "abuse filter"
	case SpamBlocked:
		return "spam blocked"
	case OtherRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// SaveError is returned by Client.Save when the wiki refuses an edit.
type SaveError struct {
	Kind   SaveErrorKind
	Reason string
	Err    error
}

func (e *SaveError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("mediawiki: save: %s", e.Kind)
	}
	return fmt.Sprintf("mediawiki: save: %s: %s", e.Kind, e.Reason)
}

func (e *SaveError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a save failure that may succeed on a
// later attempt once the page changes again.
func IsTransient(err error) bool {
	var se *SaveError
	return errors.As(err, &se) && (se.Kind == EditConflict || se.Kind == Locked)
}

// IsPolicy reports whether err is a save refused by wiki policy.
func IsPolicy(err error) bool {
	var se *SaveError
	if !errors.As(err, &se) {
		return false
	}
	switch se.Kind {
	case AbuseFilterRejected, SpamBlocked, OtherRejected:
		return true
	}
	return false
}

// APIError is an error object returned by the API.
type APIError struct {
	Code string `json:"code"`
	Info string `json:"info"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mediawiki: api error %s: %s", e.Code, e.Info)
}

// classify maps an API error code from action=edit onto a SaveError.
func classify(apiErr *APIError) *SaveError {
	kind := OtherRejected
	switch apiErr.Code {
	case "editconflict":
		kind = EditConflict
	case "protectedpage", "cascadeprotected", "protectednamespace", "protectednamespace-interface", "protectedtitle", "blocked", "autoblocked", "readonly":
		kind = Locked
	case "abusefilter-disallowed", "abusefilter-warning":
		kind = AbuseFilterRejected
	case "spamblacklist", "spamdetected":
		kind = SpamBlocked
	case "badtoken", "notoken", "assertuserfailed", "assertbotfailed", "internal_api_error_DBQueryError":
		kind = Unknown
	}
	return &SaveError{Kind: kind, Reason: apiErr.Code + ": " + apiErr.Info, Err: apiErr}
}
