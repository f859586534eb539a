/*
Package errs provides custom error types and application-level error code constants.

This file defines the map from error codes to CustomError values, used to
standardize HTTP responses and internal error handling.
*/
package errs

import "net/http"

// errorMap stores the CustomError corresponding to every application error
// code. A zero Status defaults to HTTP 200 at construction time.
var errorMap = map[int]CustomError{
	// 1xxx: General Request Handling Errors
	ErrInvalidParams:         {Code: ErrInvalidParams, Message: "Invalid request parameters."},
	ErrUnsupportedMediaType:  {Code: ErrUnsupportedMediaType, Message: "Unsupported request format."},
	ErrInvalidJSONFormat:     {Code: ErrInvalidJSONFormat, Message: "Unsupported request format."},
	ErrExtraContentInBody:    {Code: ErrExtraContentInBody, Message: "Request contains unexpected data."},
	ErrFormParseFailed:       {Code: ErrFormParseFailed, Message: "Failed to process uploaded data."},
	ErrRequestEntityTooLarge: {Code: ErrRequestEntityTooLarge, Message: "Request size is too large."},
	ErrRateLimitExceeded:     {Code: ErrRateLimitExceeded, Message: "Too many requests. Please try again later.", Status: http.StatusTooManyRequests},

	// 2xxx: Input Validation Errors
	ErrNameInvalid:           {Code: ErrNameInvalid, Message: "Display name cannot be empty."},
	ErrAvatarURLInvalid:      {Code: ErrAvatarURLInvalid, Message: "Avatar must be an http or https image URL."},
	ErrMessageContentTooLong: {Code: ErrMessageContentTooLong, Message: "Message is too long."},
	ErrFileSizeTooLarge:      {Code: ErrFileSizeTooLarge, Message: "File is too large. Maximum size is %d MB."},
	ErrFileTypeInvalid:       {Code: ErrFileTypeInvalid, Message: "Only JPEG, PNG, GIF and WebP images can be sent."},

	// 4xxx: Gateway and Backend Errors
	ErrConnectionFailed: {Code: ErrConnectionFailed, Message: "Could not connect to the chat backend.", Status: http.StatusBadGateway},
	ErrPublishFailed:    {Code: ErrPublishFailed, Message: "Message could not be sent. It was kept so you can retry."},
	ErrUploadFailed:     {Code: ErrUploadFailed, Message: "Image upload failed. Please try again.", Status: http.StatusBadGateway},
	ErrNotConnected:     {Code: ErrNotConnected, Message: "Not connected to the chat backend."},

	// 5xxx: Internal System Errors
	ErrUnknown: {Code: ErrUnknown, Message: "Something went wrong. Please try again.", Status: http.StatusInternalServerError},
}
