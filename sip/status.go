package sip

import "strconv"

// ResponseStatus is a SIP response status code.
type ResponseStatus uint16

const (
	ResponseStatusTrying               ResponseStatus = 100
	ResponseStatusRinging              ResponseStatus = 180
	ResponseStatusCallIsForwarded      ResponseStatus = 181
	ResponseStatusQueued               ResponseStatus = 182
	ResponseStatusSessionProgress      ResponseStatus = 183
	ResponseStatusOK                   ResponseStatus = 200
	ResponseStatusAccepted             ResponseStatus = 202
	ResponseStatusMovedTemporarily     ResponseStatus = 302
	ResponseStatusBadRequest           ResponseStatus = 400
	ResponseStatusUnauthorized         ResponseStatus = 401
	ResponseStatusForbidden            ResponseStatus = 403
	ResponseStatusNotFound             ResponseStatus = 404
	ResponseStatusMethodNotAllowed     ResponseStatus = 405
	ResponseStatusRequestTimeout       ResponseStatus = 408
	ResponseStatusTemporarilyUnavail   ResponseStatus = 480
	ResponseStatusTransactionNotExists ResponseStatus = 481
	ResponseStatusBusyHere             ResponseStatus = 486
	ResponseStatusRequestTerminated    ResponseStatus = 487
	ResponseStatusInternalError        ResponseStatus = 500
	ResponseStatusNotImplemented       ResponseStatus = 501
	ResponseStatusServiceUnavailable   ResponseStatus = 503
	ResponseStatusDecline              ResponseStatus = 603
)

var reasonPhrases = map[ResponseStatus]string{
	ResponseStatusTrying:               "Trying",
	ResponseStatusRinging:              "Ringing",
	ResponseStatusCallIsForwarded:      "Call Is Being Forwarded",
	ResponseStatusQueued:               "Queued",
	ResponseStatusSessionProgress:      "Session Progress",
	ResponseStatusOK:                   "OK",
	ResponseStatusAccepted:             "Accepted",
	ResponseStatusMovedTemporarily:     "Moved Temporarily",
	ResponseStatusBadRequest:           "Bad Request",
	ResponseStatusUnauthorized:         "Unauthorized",
	ResponseStatusForbidden:            "Forbidden",
	ResponseStatusNotFound:             "Not Found",
	ResponseStatusMethodNotAllowed:     "Method Not Allowed",
	ResponseStatusRequestTimeout:       "Request Timeout",
	ResponseStatusTemporarilyUnavail:   "Temporarily Unavailable",
	ResponseStatusTransactionNotExists: "Call/Transaction Does Not Exist",
	ResponseStatusBusyHere:             "Busy Here",
	ResponseStatusRequestTerminated:    "Request Terminated",
	ResponseStatusInternalError:        "Server Internal Error",
	ResponseStatusNotImplemented:       "Not Implemented",
	ResponseStatusServiceUnavailable:   "Service Unavailable",
	ResponseStatusDecline:              "Decline",
}

func (s ResponseStatus) IsValid() bool       { return s >= 100 && s <= 699 }
func (s ResponseStatus) IsProvisional() bool { return s >= 100 && s <= 199 }
func (s ResponseStatus) IsSuccessful() bool  { return s >= 200 && s <= 299 }
func (s ResponseStatus) IsFinal() bool       { return s >= 200 && s <= 699 }

func (s ResponseStatus) String() string { return strconv.Itoa(int(s)) }

// Reason returns the default reason phrase for the status code.
func (s ResponseStatus) Reason() string {
	if r, ok := reasonPhrases[s]; ok {
		return r
	}
	switch {
	case s.IsProvisional():
		return "Provisional"
	case s.IsSuccessful():
		return "Success"
	case s >= 300 && s <= 399:
		return "Redirection"
	case s >= 400 && s <= 499:
		return "Client Error"
	case s >= 500 && s <= 599:
		return "Server Error"
	case s >= 600:
		return "Global Failure"
	}
	return "Unknown"
}
