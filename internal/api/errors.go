package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/tickplane/tickplane/internal/fault"
)

// StatusInvalidToken is the non-standard status used for a present but
// non-matching credential on token endpoints.
const StatusInvalidToken = 498

func writeBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, string(fault.CodeBadRequest), message)
}

func writePayloadTooLarge(w http.ResponseWriter, limit int64) {
	msg := "request body too large"
	if limit > 0 {
		msg = "request body too large (max " + strconv.FormatInt(limit, 10) + " bytes)"
	}
	WriteError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", msg)
}

func writeDecodeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writePayloadTooLarge(w, tooLarge.Limit)
		return
	}
	writeBadRequest(w, err.Error())
}

// writeFault maps fault codes to HTTP response codes.
func writeFault(w http.ResponseWriter, err error) {
	if err == nil {
		WriteError(w, http.StatusInternalServerError, string(fault.CodeUnknown), "internal server error")
		return
	}

	var fe *fault.Error
	if errors.As(err, &fe) {
		var status int
		switch fe.Code {
		case fault.CodeBadRequest:
			status = http.StatusBadRequest
		case fault.CodeUnauthorized:
			status = http.StatusUnauthorized
		case fault.CodeInvalidToken:
			status = StatusInvalidToken
		case fault.CodeForbidden:
			status = http.StatusForbidden
		case fault.CodeNotFound:
			status = http.StatusNotFound
		case fault.CodeGone:
			status = http.StatusGone
		case fault.CodeConflict:
			status = http.StatusConflict
		case fault.CodeTooManyRequests:
			status = http.StatusTooManyRequests
		default:
			status = http.StatusInternalServerError
		}
		WriteError(w, status, string(fe.Code), fe.Message)
		return
	}
	WriteError(w, http.StatusInternalServerError, string(fault.CodeUnknown), "internal server error")
}
