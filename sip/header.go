package sip

import (
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/sipward/sipward/internal/util"
)

// Values holds header or URI parameters keyed by lower-case name.
type Values map[string]string

func (v Values) Get(name string) (string, bool) {
	val, ok := v[util.LCase(name)]
	return val, ok
}

func (v Values) Set(name, val string) {
	v[util.LCase(name)] = val
}

func (v Values) Has(name string) bool {
	_, ok := v[util.LCase(name)]
	return ok
}

func (v Values) Clone() Values {
	if v == nil {
		return nil
	}
	return maps.Clone(v)
}

// render appends params as ";name=value" pairs in sorted order.
// Valueless params render as ";name".
func (v Values) render(sb *strings.Builder) {
	for _, name := range slices.Sorted(maps.Keys(v)) {
		sb.WriteByte(';')
		sb.WriteString(name)
		if val := v[name]; val != "" {
			sb.WriteByte('=')
			sb.WriteString(val)
		}
	}
}

// Via is a single Via header field value.
type Via struct {
	// Proto is the sent-protocol name and version, e.g. "SIP/2.0".
	Proto string
	// Transport is the sent-protocol transport, e.g. "UDP".
	Transport string
	// SentBy is the host or host:port the message was sent from.
	SentBy string
	Params Values
}

// Branch returns the branch parameter value.
func (v *Via) Branch() (string, bool) {
	if v == nil {
		return "", false
	}
	return v.Params.Get("branch")
}

func (v Via) Clone() Via {
	v.Params = v.Params.Clone()
	return v
}

func (v *Via) render(sb *strings.Builder) {
	sb.WriteString(v.Proto)
	sb.WriteByte('/')
	sb.WriteString(v.Transport)
	sb.WriteByte(' ')
	sb.WriteString(v.SentBy)
	v.Params.render(sb)
}

// NameAddr is a From or To header field value.
type NameAddr struct {
	Display string
	URI     string
	Params  Values
}

// Tag returns the tag parameter value.
func (a *NameAddr) Tag() (string, bool) {
	if a == nil {
		return "", false
	}
	return a.Params.Get("tag")
}

func (a NameAddr) Clone() NameAddr {
	a.Params = a.Params.Clone()
	return a
}

func (a *NameAddr) render(sb *strings.Builder) {
	if a.Display != "" {
		sb.WriteByte('"')
		sb.WriteString(a.Display)
		sb.WriteString(`" `)
	}
	sb.WriteByte('<')
	sb.WriteString(a.URI)
	sb.WriteByte('>')
	a.Params.render(sb)
}

// CSeq is the CSeq header field value.
type CSeq struct {
	SeqNum uint32
	Method RequestMethod
}

func (c *CSeq) render(sb *strings.Builder) {
	sb.WriteString(strconv.FormatUint(uint64(c.SeqNum), 10))
	sb.WriteByte(' ')
	sb.WriteString(string(c.Method))
}

// CallID is the Call-ID header field value.
type CallID string

func (c CallID) IsZero() bool { return c == "" }

// RawHeader is an uninterpreted header field carried through untouched.
type RawHeader struct {
	Name  string
	Value string
}

// Headers holds the header fields of a SIP message. Fields the transaction
// layer does not interpret live in Other.
type Headers struct {
	Via         []Via
	From        NameAddr
	To          NameAddr
	CallID      CallID
	CSeq        CSeq
	MaxForwards int
	Other       []RawHeader
}

// FirstVia returns the topmost Via header field value.
func (h *Headers) FirstVia() (*Via, bool) {
	if h == nil || len(h.Via) == 0 {
		return nil, false
	}
	return &h.Via[0], true
}

func (h *Headers) Clone() Headers {
	if h == nil {
		return Headers{}
	}
	cl := Headers{
		Via:         make([]Via, 0, len(h.Via)),
		From:        h.From.Clone(),
		To:          h.To.Clone(),
		CallID:      h.CallID,
		CSeq:        h.CSeq,
		MaxForwards: h.MaxForwards,
		Other:       slices.Clone(h.Other),
	}
	for _, via := range h.Via {
		cl.Via = append(cl.Via, via.Clone())
	}
	return cl
}

func (h *Headers) render(sb *strings.Builder, bodyLen int) {
	for i := range h.Via {
		sb.WriteString("Via: ")
		h.Via[i].render(sb)
		sb.WriteString("\r\n")
	}
	if h.From.URI != "" {
		sb.WriteString("From: ")
		h.From.render(sb)
		sb.WriteString("\r\n")
	}
	if h.To.URI != "" {
		sb.WriteString("To: ")
		h.To.render(sb)
		sb.WriteString("\r\n")
	}
	if !h.CallID.IsZero() {
		sb.WriteString("Call-ID: ")
		sb.WriteString(string(h.CallID))
		sb.WriteString("\r\n")
	}
	if !h.CSeq.Method.IsZero() {
		sb.WriteString("CSeq: ")
		h.CSeq.render(sb)
		sb.WriteString("\r\n")
	}
	if h.MaxForwards > 0 {
		sb.WriteString("Max-Forwards: ")
		sb.WriteString(strconv.Itoa(h.MaxForwards))
		sb.WriteString("\r\n")
	}
	for _, raw := range h.Other {
		sb.WriteString(raw.Name)
		sb.WriteString(": ")
		sb.WriteString(raw.Value)
		sb.WriteString("\r\n")
	}
	sb.WriteString("Content-Length: ")
	sb.WriteString(strconv.Itoa(bodyLen))
	sb.WriteString("\r\n")
}
