package sip

import "github.com/sipward/sipward/internal/util"

// RequestMethod is a SIP request method name.
// The zero value is not a valid method.
type RequestMethod string

const (
	RequestMethodInvite    RequestMethod = "INVITE"
	RequestMethodAck       RequestMethod = "ACK"
	RequestMethodBye       RequestMethod = "BYE"
	RequestMethodCancel    RequestMethod = "CANCEL"
	RequestMethodOptions   RequestMethod = "OPTIONS"
	RequestMethodRegister  RequestMethod = "REGISTER"
	RequestMethodInfo      RequestMethod = "INFO"
	RequestMethodUpdate    RequestMethod = "UPDATE"
	RequestMethodPrack     RequestMethod = "PRACK"
	RequestMethodSubscribe RequestMethod = "SUBSCRIBE"
	RequestMethodNotify    RequestMethod = "NOTIFY"
	RequestMethodRefer     RequestMethod = "REFER"
	RequestMethodMessage   RequestMethod = "MESSAGE"
)

func (m RequestMethod) IsZero() bool { return m == "" }

// Equal compares methods case-insensitively.
func (m RequestMethod) Equal(val RequestMethod) bool {
	return util.EqFold(string(m), string(val))
}

func (m RequestMethod) String() string { return string(m) }

// Upper returns the canonical upper-case form of the method.
func (m RequestMethod) Upper() RequestMethod {
	return RequestMethod(util.UCase(string(m)))
}
