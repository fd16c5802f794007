package sip

import "time"

// Timings holds the configurable base timer durations from SPEC_FULL.md
// §3 (T1, T2, T4, T100, TS). Tests construct a scaled-down Timings so the
// full retransmission/timeout schedule runs in milliseconds instead of the
// RFC 3261 defaults, the way gosip's transaction tests build a
// sip.NewTimings with a tiny T1 to keep suites fast.
type Timings struct {
	t1    time.Duration
	t2    time.Duration
	t4    time.Duration
	t100  time.Duration
	stale time.Duration
}

// DefaultTimings returns the RFC 3261 §17 default timer values:
// T1=500ms, T2=4s, T4=5s, T100=200ms, TS (stale retention)=32s.
func DefaultTimings() Timings {
	return NewTimings(500*time.Millisecond, 4*time.Second, 5*time.Second, 200*time.Millisecond, 32*time.Second)
}

// NewTimings builds a Timings from explicit base values.
func NewTimings(t1, t2, t4, t100, stale time.Duration) Timings {
	return Timings{t1: t1, t2: t2, t4: t4, t100: t100, stale: stale}
}

func (t Timings) T1() time.Duration    { return t.t1 }
func (t Timings) T2() time.Duration    { return t.t2 }
func (t Timings) T4() time.Duration    { return t.t4 }
func (t Timings) T100() time.Duration  { return t.t100 }
func (t Timings) Stale() time.Duration { return t.stale }

// TimeA is Timer A's initial interval (client INVITE retransmit): T1.
func (t Timings) TimeA() time.Duration { return t.t1 }

// TimeB is Timer B's interval (client INVITE transaction lifetime): 64*T1.
func (t Timings) TimeB() time.Duration { return 64 * t.t1 }

// TimeD is Timer D's interval (client INVITE wait for retransmits): at
// least 32s on unreliable transports, taken here as T4*8 per §4.3 ("source
// uses TD"); on reliable transports Timer D fires immediately — the Client
// INVITE machine schedules it with a zero duration in that case.
func (t Timings) TimeD() time.Duration { return 8 * t.t4 }

// TimeE1 is Timer E1's initial interval (client non-INVITE, Trying): T1.
func (t Timings) TimeE1() time.Duration { return t.t1 }

// TimeE2 is Timer E2's interval once in Proceeding: T2.
func (t Timings) TimeE2() time.Duration { return t.t2 }

// TimeF is Timer F's interval (client non-INVITE transaction lifetime): 64*T1.
func (t Timings) TimeF() time.Duration { return 64 * t.t1 }

// TimeG is Timer G's initial interval (server INVITE response retransmit): T1.
func (t Timings) TimeG() time.Duration { return t.t1 }

// TimeH is Timer H's interval (server INVITE ACK wait): 64*T1.
func (t Timings) TimeH() time.Duration { return 64 * t.t1 }

// TimeI is Timer I's interval (server INVITE confirmed wait): T4.
func (t Timings) TimeI() time.Duration { return t.t4 }

// TimeJ is Timer J's interval (server non-INVITE completed wait): 64*T1.
func (t Timings) TimeJ() time.Duration { return 64 * t.t1 }

// TimeK is Timer K's interval (client non-INVITE completed wait): T4.
func (t Timings) TimeK() time.Duration { return t.t4 }
