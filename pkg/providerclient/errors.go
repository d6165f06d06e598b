package providerclient

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrTimeout means the provider did not answer within the request timeout.
// The outcome of a mutating call that timed out is unknown.
var ErrTimeout = errors.New("payment provider request timed out")

// SuccessCode is the envelope code the provider uses for success.
const SuccessCode = 10000

// ProviderError carries the provider's raw failure detail. It is meant for
// logs and admin views, never for end users.
type ProviderError struct {
	Op         string
	HTTPStatus int
	Code       int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("payment provider %s failed: status=%d code=%d msg=%q", e.Op, e.HTTPStatus, e.Code, e.Message)
}

// Retryable reports whether a read call may be attempted again.
func (e *ProviderError) Retryable() bool {
	return e.HTTPStatus >= http.StatusInternalServerError || e.HTTPStatus == http.StatusTooManyRequests
}

// IsTimeout reports whether err is a provider timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsRejection reports whether the provider answered and refused the request.
// Timeouts, transport failures and 5xx answers leave the outcome unknown.
func IsRejection(err error) bool {
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	if pe.HTTPStatus >= 200 && pe.HTTPStatus < 300 {
		return pe.Code != 0 && pe.Code != SuccessCode
	}
	return pe.HTTPStatus >= 400 && pe.HTTPStatus < 500 && pe.HTTPStatus != http.StatusTooManyRequests
}

// IsNotFound reports whether the provider has no record of the requested order.
func IsNotFound(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.HTTPStatus == http.StatusNotFound
}

// transportError wraps a network failure that never produced a response.
type transportError struct {
	op  string
	err error
}

func (e *transportError) Error() string {
	return fmt.Sprintf("payment provider %s transport error: %v", e.op, e.err)
}

func (e *transportError) Unwrap() error { return e.err }

func retryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	var te *transportError
	return errors.As(err, &te) || IsTimeout(err)
}
