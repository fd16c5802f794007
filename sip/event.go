package sip

import "github.com/ghettovoice/sipturn/timer"

// EventKind tags an Event's payload, replacing the dynamic
// SipMessage/TimerMessage casts the original implementation used at the
// dispatcher boundary (design note "Dynamic type dispatch on messages").
type EventKind int

const (
	// EventWireSIP is a message arriving from the transport.
	EventWireSIP EventKind = iota
	// EventTUSIP is a message produced by the Transaction User.
	EventTUSIP
	// EventTimer is a timer expiry.
	EventTimer
	// EventSendIndication is a transport completion notice
	// ("sent-reliable"/"sent-unreliable").
	EventSendIndication
	// EventTransportError is a transport failure.
	EventTransportError
	// EventTerminate forces a transaction straight to Terminated, used by
	// the Table's stale-transaction guard and by Close to unwind
	// outstanding transactions without waiting out their timers.
	EventTerminate
)

// Event is the single tagged variant the dispatcher and every transaction
// handler operate on.
type Event struct {
	Kind EventKind

	// Msg is set for EventWireSIP and EventTUSIP.
	Msg *Message

	// TimerKind is set for EventTimer.
	TimerKind timer.Kind

	// SendResult is set for EventSendIndication.
	SendResult SendResult

	// Err is set for EventTransportError.
	Err error

	// TxID is the transaction id the event is addressed to. For
	// EventWireSIP/EventTUSIP it is derived from Msg unless set explicitly
	// (a CANCEL derives its parent INVITE's id; the dispatcher then looks up
	// the nested child through the parent's CancelChildID).
	TxID TransactionID

	// TP and Tuple identify the transport and peer a new transaction should
	// be constructed against when no existing transaction claims this
	// event (SPEC_FULL.md §4.1 step 4). Producers set these on every
	// EventWireSIP/EventTUSIP they post; they are irrelevant once a
	// transaction already exists to receive the event.
	TP    Transport
	Tuple string
}

func (e Event) transactionID() TransactionID {
	if e.TxID != "" {
		return e.TxID
	}
	if e.Msg != nil {
		return e.Msg.TransactionID()
	}
	return ""
}
