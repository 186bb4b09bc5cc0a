package cloud

import (
	"errors"

	"github.com/aws/smithy-go"
)

// Provider error code classes. These drive retry and idempotence decisions:
// not-found is success for delete-like operations, transient is retried with
// backoff, auth failures are terminal for the connector.
// Not exhaustive — add codes as they are observed.
var (
	notFoundErrorCodes = map[string]bool{
		"InvalidInstanceID.NotFound": true,
		"InvalidGroup.NotFound":      true,
		"InvalidKeyPair.NotFound":    true,
		"InvalidAMIID.NotFound":      true,
		"InvalidAMIID.Unavailable":   true,
	}
	duplicateErrorCodes = map[string]bool{
		"InvalidKeyPair.Duplicate":    true,
		"InvalidGroup.Duplicate":      true,
		"InvalidPermission.Duplicate": true,
	}
	transientErrorCodes = map[string]bool{
		"RequestLimitExceeded":          true,
		"Throttling":                    true,
		"ThrottlingException":           true,
		"InternalError":                 true,
		"Unavailable":                   true,
		"InsufficientInstanceCapacity":  true,
		"IncorrectInstanceState":        true,
		"DependencyViolation":           true,
	}
	authErrorCodes = map[string]bool{
		"AuthFailure":            true,
		"InvalidClientTokenId":   true,
		"SignatureDoesNotMatch":  true,
		"OptInRequired":          true,
	}
	accessDeniedErrorCodes = map[string]bool{
		"UnauthorizedOperation": true,
		"AccessDenied":          true,
		"AccessDeniedException": true,
	}
)

// errorCode extracts the provider error code from a (possibly wrapped) error.
func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// IsNotFound returns true if the error is a provider error known to mean
// "resource does not exist" (as opposed to a more serious failure).
func IsNotFound(err error) bool {
	return err != nil && notFoundErrorCodes[errorCode(err)]
}

// IsDuplicate returns true if the provider reported the resource already
// exists (keypair or security group name collision).
func IsDuplicate(err error) bool {
	return err != nil && duplicateErrorCodes[errorCode(err)]
}

// IsTransient returns true for throttling, capacity, and eventual-consistency
// errors that are safe to retry with bounded backoff.
func IsTransient(err error) bool {
	return err != nil && transientErrorCodes[errorCode(err)]
}

// IsAuthFailure returns true when the connector's credentials are invalid.
// Terminal for the connector; retries cannot help.
func IsAuthFailure(err error) bool {
	return err != nil && authErrorCodes[errorCode(err)]
}

// IsAccessDenied returns true when credentials are valid but lack permission
// for the attempted action.
func IsAccessDenied(err error) bool {
	return err != nil && accessDeniedErrorCodes[errorCode(err)]
}
