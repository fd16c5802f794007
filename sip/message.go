package sip

import (
	"fmt"
	"strconv"

	"github.com/ghettovoice/sipturn/internal/randutils"
)

// Method is a SIP request method. Header representation in general is an
// external collaborator per SPEC_FULL.md §1 — Message below carries only
// the handful of fields the transaction core itself inspects or rewrites
// (Via branch, To/From tags, CSeq, Call-ID), leaving full header parsing,
// routing and body handling to the caller's own message type if richer
// representation is needed.
type Method string

const (
	MethodInvite   Method = "INVITE"
	MethodAck      Method = "ACK"
	MethodCancel   Method = "CANCEL"
	MethodBye      Method = "BYE"
	MethodRegister Method = "REGISTER"
	MethodOptions  Method = "OPTIONS"
	MethodInfo     Method = "INFO"
	MethodUpdate   Method = "UPDATE"
	MethodPrack    Method = "PRACK"
	MethodSubscribe Method = "SUBSCRIBE"
	MethodNotify   Method = "NOTIFY"
	MethodMessage  Method = "MESSAGE"
	MethodRefer    Method = "REFER"
)

// Via is the subset of the topmost Via header the transaction layer needs:
// the branch parameter (which, together with method and sent-by, derives
// the transaction id per the GLOSSARY) and the transport it names.
type Via struct {
	Branch    string
	SentBy    string
	Transport TransportType
}

// TransactionID is the opaque transaction identifier produced by the
// external SIP parser from a message's Via branch, method and sent-by.
type TransactionID string

// NewTransactionID derives a transaction id the way the GLOSSARY describes:
// from method, via branch and sent-by. CANCEL shares the INVITE's branch
// but is matched to its own transaction, so CANCEL is folded to INVITE
// here — NewCancelChildID derives the nested child id separately.
func NewTransactionID(method Method, via Via) TransactionID {
	m := method
	if m == MethodCancel {
		m = MethodInvite
	}
	return TransactionID(fmt.Sprintf("%s;branch=%s;method=%s", via.SentBy, via.Branch, m))
}

// NewCancelChildID derives the id of the nested CANCEL transaction from its
// parent INVITE transaction's id, per SPEC_FULL.md §4.2–§4.5: the child is
// a distinct top-level entry in the transaction table, not an owned
// pointer, breaking the cyclic parent/child relationship the original
// implementation had.
func NewCancelChildID(parent TransactionID) TransactionID {
	return TransactionID(string(parent) + ";cancel=" + randutils.RandHex(8))
}

// Message is the minimal SIP message representation the transaction core
// reads and rewrites. Message.Extra carries whatever richer representation
// (full header stack, body, ...) the external collaborator attaches.
type Message struct {
	Method     Method // empty for responses
	StatusCode int    // 0 for requests
	Reason     string

	CallID string
	From   string // tag included
	To     string // tag included, empty until set by a response
	CSeq   uint32
	CSeqMethod Method
	Via    Via

	Body  []byte
	Extra any // external-collaborator payload (full parsed message, etc.)
}

// IsRequest reports whether m is a request.
func (m *Message) IsRequest() bool { return m.StatusCode == 0 }

// IsResponse reports whether m is a response.
func (m *Message) IsResponse() bool { return m.StatusCode != 0 }

// IsProvisional reports whether m is a 1xx response.
func (m *Message) IsProvisional() bool { return m.StatusCode >= 100 && m.StatusCode < 200 }

// IsFinal reports whether m is a final (>=200) response.
func (m *Message) IsFinal() bool { return m.StatusCode >= 200 }

// Is2xx reports whether m is a successful final response.
func (m *Message) Is2xx() bool { return m.StatusCode >= 200 && m.StatusCode < 300 }

// TransactionID derives the owning transaction's id from m.
func (m *Message) TransactionID() TransactionID {
	return NewTransactionID(m.requestMethod(), m.Via)
}

func (m *Message) requestMethod() Method {
	if m.IsRequest() {
		return m.Method
	}
	return m.CSeqMethod
}

// Clone returns a deep-enough copy for the builder to mutate independently
// of the original (e.g. turning an INVITE into its failure ACK).
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	if len(m.Body) > 0 {
		cp.Body = append([]byte(nil), m.Body...)
	}
	return &cp
}

// String implements fmt.Stringer for log output.
func (m *Message) String() string {
	if m == nil {
		return "<nil>"
	}
	if m.IsRequest() {
		return fmt.Sprintf("%s %s (cseq %d %s)", m.Method, m.CallID, m.CSeq, m.CSeqMethod)
	}
	return fmt.Sprintf("%s %s %s (cseq %d %s)", strconv.Itoa(m.StatusCode), m.Reason, m.CallID, m.CSeq, m.CSeqMethod)
}
