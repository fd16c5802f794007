package sip

// Build100Trying constructs the provisional "100 Trying" response a Server
// INVITE transaction pre-forms on construction, per SPEC_FULL.md §4.5; it
// goes out when Timer Trying fires unless the TU has stored a response of
// its own by then.
func Build100Trying(req *Message) *Message {
	return &Message{
		StatusCode: 100,
		Reason:     "Trying",
		CallID:     req.CallID,
		From:       req.From,
		To:         req.To,
		CSeq:       req.CSeq,
		CSeqMethod: req.CSeqMethod,
		Via:        req.Via,
	}
}

// buildFailureAck constructs the ACK a Client INVITE transaction sends for
// a non-2xx final response, per RFC 3261 §17.1.1.3: same Call-ID, From,
// Request-URI and CSeq number as the original INVITE, CSeq method ACK, Via
// copied from the original's top Via, and the To tag taken from the
// failure response.
func buildFailureAck(req, res *Message) *Message {
	ack := req.Clone()
	ack.Method = MethodAck
	ack.CSeqMethod = MethodAck
	ack.StatusCode = 0
	ack.Reason = ""
	ack.Body = nil
	if res != nil {
		ack.To = res.To
	}
	return ack
}

// buildTimeoutResponse synthesizes the 408 Request Timeout the TU sees when
// Timer B/F/H fires, per SPEC_FULL.md §6 ("synthetic responses enqueued as
// if arriving from the wire").
func buildTimeoutResponse(req *Message) *Message {
	var callID string
	var from, to string
	var cseq uint32
	var cseqMethod Method
	if req != nil {
		callID, from, to, cseq, cseqMethod = req.CallID, req.From, req.To, req.CSeq, req.CSeqMethod
	}
	return &Message{
		StatusCode: 408,
		Reason:     "Request Timeout",
		CallID:     callID,
		From:       from,
		To:         to,
		CSeq:       cseq,
		CSeqMethod: cseqMethod,
	}
}

// buildTransportErrorResponse synthesizes the 503 Service Unavailable the
// TU sees on an unrecoverable transport error, per SPEC_FULL.md §6.
func buildTransportErrorResponse(req *Message) *Message {
	res := buildTimeoutResponse(req)
	res.StatusCode = 503
	res.Reason = "Service Unavailable"
	return res
}
