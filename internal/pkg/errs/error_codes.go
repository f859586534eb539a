/*
Package errs provides custom error types and application-level error code constants.

These error codes identify specific business or system failures both inside
the server and in communication with clients. Codes are grouped in bands:
1xxx request handling, 2xxx input validation, 4xxx gateway/backend, 5xxx
internal.
*/
package errs

// 1xxx: General Request Handling Errors
const (
	// ErrInvalidParams indicates that request parameter validation failed.
	ErrInvalidParams = 1001

	// ErrUnsupportedMediaType indicates that the request Content-Type is not supported.
	ErrUnsupportedMediaType = 1002

	// ErrInvalidJSONFormat indicates that the request body JSON is malformed.
	ErrInvalidJSONFormat = 1003

	// ErrExtraContentInBody indicates trailing content after valid JSON data.
	ErrExtraContentInBody = 1004

	// ErrFormParseFailed indicates failure to parse multipart or URL-encoded form data.
	ErrFormParseFailed = 1005

	// ErrRequestEntityTooLarge indicates that the request body exceeded the server limit.
	ErrRequestEntityTooLarge = 1006

	// ErrRateLimitExceeded indicates that the request rate exceeded the set limit.
	ErrRateLimitExceeded = 1007
)

// 2xxx: Input Validation Errors
const (
	// ErrNameInvalid indicates a display name that is empty after sanitization.
	ErrNameInvalid = 2101

	// ErrAvatarURLInvalid indicates an avatar URL that failed sanitization.
	ErrAvatarURLInvalid = 2102

	// ErrMessageContentTooLong indicates message text over the length limit.
	ErrMessageContentTooLong = 2201

	// ErrFileSizeTooLarge indicates an upload over the size limit.
	ErrFileSizeTooLarge = 2301

	// ErrFileTypeInvalid indicates an upload with a disallowed MIME type or extension.
	ErrFileTypeInvalid = 2302
)

// 4xxx: Gateway and Backend Errors
const (
	// ErrConnectionFailed indicates that the realtime backend could not be
	// reached or a subscription setup failed.
	ErrConnectionFailed = 4001

	// ErrPublishFailed indicates that a message publish was not accepted.
	ErrPublishFailed = 4002

	// ErrUploadFailed indicates that the backend rejected or failed a binary upload.
	ErrUploadFailed = 4003

	// ErrNotConnected indicates an operation that requires an established
	// gateway connection was attempted without one.
	ErrNotConnected = 4004
)

// 5xxx: Internal System Errors
const (
	// ErrUnknown represents an unclassified internal error.
	ErrUnknown = 5000
)
