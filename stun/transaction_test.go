package stun_test

import (
	"context"
	"errors"
	"testing"
	"time"

	pionstun "github.com/pion/stun"

	"github.com/ghettovoice/sipturn/stun"
)

// buildResponse constructs a response correlated to req's transaction id,
// the way a peer's answer would arrive over the wire.
func buildResponse(t *testing.T, tid [pionstun.TransactionIDSize]byte, class pionstun.MessageClass, setters ...pionstun.Setter) []byte {
	t.Helper()
	m := new(pionstun.Message)
	m.TransactionID = tid
	m.Type = pionstun.NewType(pionstun.MethodBinding, class)
	m.WriteHeader()
	for _, s := range setters {
		if err := s.AddTo(m); err != nil {
			t.Fatalf("AddTo: %v", err)
		}
	}
	raw, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	return raw
}

func TestEngineDoReturnsResponseOnFirstReply(t *testing.T) {
	tp := newFakeTransport(false)
	e := stun.NewEngine(tp, nil)

	req, err := stun.NewRequest(stun.MethodBinding)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	done := make(chan struct{})
	var gotErr error
	go func() {
		_, gotErr = e.Do(context.Background(), req)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	if tp.sentCount() != 1 {
		t.Fatalf("sentCount = %d, want 1", tp.sentCount())
	}

	raw := buildResponse(t, tp.lastTID(), pionstun.ClassSuccessResponse)
	if err := e.Deliver(context.Background(), raw); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	<-done
	if gotErr != nil {
		t.Fatalf("Do returned error: %v", gotErr)
	}
}

func TestEngineDoTimesOutAfterExhaustingUDPSchedule(t *testing.T) {
	tp := newFakeTransport(false)
	e := stun.NewEngine(tp, nil)

	req, err := stun.NewRequest(stun.MethodBinding)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	_, err = e.Do(ctx, req)
	elapsed := time.Since(start)

	if err != stun.ErrResponseTimeout {
		t.Fatalf("err = %v, want ErrResponseTimeout", err)
	}
	// 100+200+400+800+1600+3200+1600 = 7900ms total schedule.
	if elapsed < 7800*time.Millisecond || elapsed > 9*time.Second {
		t.Fatalf("elapsed = %v, want ~7.9s", elapsed)
	}
	if tp.sentCount() != 7 {
		t.Fatalf("sentCount = %d, want 7 (initial + 6 retransmits)", tp.sentCount())
	}
}

func TestEngineDoOnTCPNeverRetransmits(t *testing.T) {
	tp := newFakeTransport(true)
	e := stun.NewEngine(tp, nil)

	req, err := stun.NewRequest(stun.MethodBinding)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_, _ = e.Do(context.Background(), req)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	if tp.sentCount() != 1 {
		t.Fatalf("sentCount = %d, want 1 (no retransmit on reliable transport)", tp.sentCount())
	}

	raw := buildResponse(t, tp.lastTID(), pionstun.ClassSuccessResponse)
	_ = e.Deliver(context.Background(), raw)
	<-done
}

func TestEngineDeliverDropsStrayResponse(t *testing.T) {
	tp := newFakeTransport(false)
	e := stun.NewEngine(tp, nil)

	var unknown [pionstun.TransactionIDSize]byte
	copy(unknown[:], "deadbeefdead")
	raw := buildResponse(t, unknown, pionstun.ClassSuccessResponse)

	if err := e.Deliver(context.Background(), raw); !errors.Is(err, stun.ErrStrayResponse) {
		t.Fatalf("err = %v, want ErrStrayResponse", err)
	}
}

func TestEngineRetriesOnceOnAuthChallenge(t *testing.T) {
	tp := newFakeTransport(false)
	creds := &stun.Credentials{Username: "user", Password: "pass"}
	e := stun.NewEngine(tp, &stun.EngineOptions{Credentials: creds})

	req, err := stun.NewRequest(stun.MethodAllocate)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	done := make(chan struct{})
	var gotErr error
	go func() {
		_, gotErr = e.Do(context.Background(), req)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	if tp.sentCount() != 1 {
		t.Fatalf("sentCount = %d, want 1", tp.sentCount())
	}

	challenge := buildResponse(t, tp.lastTID(), pionstun.ClassErrorResponse,
		&pionstun.ErrorCodeAttribute{Code: pionstun.CodeUnauthorized, Reason: []byte("Unauthorized")},
		pionstun.Realm("example.test"),
		pionstun.Nonce("abc123"),
	)
	if err := e.Deliver(context.Background(), challenge); err != nil {
		t.Fatalf("Deliver challenge: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if tp.sentCount() != 2 {
		t.Fatalf("sentCount = %d, want 2 (retried once with credentials)", tp.sentCount())
	}

	success := buildResponse(t, tp.lastTID(), pionstun.ClassSuccessResponse,
		pionstun.NewLongTermIntegrity("user", "example.test", "pass"))
	if err := e.Deliver(context.Background(), success); err != nil {
		t.Fatalf("Deliver success: %v", err)
	}

	<-done
	if gotErr != nil {
		t.Fatalf("Do returned error: %v", gotErr)
	}
}

func TestEngineSecondChallengeSurfacesAsErrorResponse(t *testing.T) {
	tp := newFakeTransport(false)
	creds := &stun.Credentials{Username: "user", Password: "pass"}
	e := stun.NewEngine(tp, &stun.EngineOptions{Credentials: creds})

	req, err := stun.NewRequest(stun.MethodAllocate)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	done := make(chan struct{})
	var gotErr error
	go func() {
		_, gotErr = e.Do(context.Background(), req)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	challenge1 := buildResponse(t, tp.lastTID(), pionstun.ClassErrorResponse,
		&pionstun.ErrorCodeAttribute{Code: pionstun.CodeUnauthorized, Reason: []byte("Unauthorized")},
		pionstun.Realm("example.test"), pionstun.Nonce("abc123"))
	_ = e.Deliver(context.Background(), challenge1)

	time.Sleep(20 * time.Millisecond)
	challenge2 := buildResponse(t, tp.lastTID(), pionstun.ClassErrorResponse,
		&pionstun.ErrorCodeAttribute{Code: pionstun.CodeUnauthorized, Reason: []byte("Unauthorized")},
		pionstun.Nonce("def456"),
		pionstun.NewLongTermIntegrity("user", "example.test", "pass"))
	_ = e.Deliver(context.Background(), challenge2)

	<-done
	var errResp *stun.ErrorResponse
	if gotErr == nil {
		t.Fatal("expected ErrorResponse on repeated challenge, got nil")
	}
	if !isErrorResponse(gotErr, &errResp) || errResp.Code != 401 {
		t.Fatalf("err = %v, want *ErrorResponse{Code:401}", gotErr)
	}
}

func isErrorResponse(err error, out **stun.ErrorResponse) bool {
	e, ok := err.(*stun.ErrorResponse)
	if ok {
		*out = e
	}
	return ok
}
