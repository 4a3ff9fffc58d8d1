// clipforge/pipeline/errors.go
package pipeline

import (
	"errors"

	"clipforge/deliver"
	"clipforge/fetch"
	"clipforge/transcode"
)

// Error pairs a user-presentable message with the wrapped cause. Handlers
// show Message and log the chain; raw process output never reaches the user.
type Error struct {
	Message string
	err     error
}

func (e *Error) Error() string { return e.Message }
func (e *Error) Unwrap() error { return e.err }

func wrap(err error, message string) *Error {
	return &Error{Message: message, err: err}
}

func errEmptySource() *Error {
	return &Error{Message: "No source provided. Pass a URL or file to process."}
}

var fetchMessages = map[fetch.Kind]string{
	fetch.KindInvalidLink:     "That link does not look valid.",
	fetch.KindUnsupportedSite: "That site is not supported by the extraction service.",
	fetch.KindPrivateContent:  "That content is private or requires authentication.",
	fetch.KindForbidden:       "The source host refused the download.",
	fetch.KindRateLimited:     "The source host is rate limiting downloads. Try again in a bit.",
	fetch.KindTooLarge:        "The source file is too large to process.",
	fetch.KindEmptyFile:       "The download came back empty.",
	fetch.KindSetup:           "The extraction service has never been reached. Check the service URL in settings.",
	fetch.KindConnectivity:    "Cannot reach the extraction service. It may be down.",
	fetch.KindService:         "The extraction service could not process that link.",
	fetch.KindUnknownStatus:   "The extraction service gave an unexpected answer.",
	fetch.KindNetwork:         "The download failed. Try again later.",
	fetch.KindHTTPStatus:      "The download failed. Try again later.",
}

var transcodeMessages = map[transcode.Kind]string{
	transcode.KindInvalidSpan:   "The time range is invalid: the end must come after the start.",
	transcode.KindResources:     "The server is too busy to start a conversion right now. Try again shortly.",
	transcode.KindProcessFailed: "The conversion failed.",
	transcode.KindMissingOutput: "The conversion produced no output.",
}

// UserMessage maps any pipeline-stage error onto the single message table.
func UserMessage(err error) string {
	var fe *fetch.Error
	if errors.As(err, &fe) {
		if msg, ok := fetchMessages[fe.Kind]; ok {
			return msg
		}
		return "The download failed. Try again later."
	}
	var te *transcode.Error
	if errors.As(err, &te) {
		if msg, ok := transcodeMessages[te.Kind]; ok {
			return msg
		}
		return "The conversion failed."
	}
	var de *deliver.Error
	if errors.As(err, &de) {
		return "The file was over the size limit and the fallback upload failed."
	}
	return "Something went wrong. Try again later."
}
