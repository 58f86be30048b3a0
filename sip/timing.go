package sip

import "time"

// RFC 3261 base timer values.
const (
	DefaultTimeT1 = 500 * time.Millisecond
	DefaultTimeT2 = 4 * time.Second
	DefaultTimeT4 = 5 * time.Second

	// DefaultTime100 is how long a server INVITE transaction waits for the
	// first provisional from its user before sending 100 Trying itself.
	DefaultTime100 = 200 * time.Millisecond
)

// Timings derives the RFC 3261 transaction timers from the base values
// T1, T2 and T4. The zero value is not usable, use NewTimings or
// DefaultTimings.
type Timings struct {
	t1      time.Duration
	t2      time.Duration
	t4      time.Duration
	time100 time.Duration
}

func NewTimings(t1, t2, t4 time.Duration) Timings {
	return Timings{
		t1:      t1,
		t2:      t2,
		t4:      t4,
		time100: DefaultTime100,
	}
}

func DefaultTimings() Timings {
	return NewTimings(DefaultTimeT1, DefaultTimeT2, DefaultTimeT4)
}

// WithTime100 returns a copy with the auto 100 Trying delay replaced.
func (t Timings) WithTime100(d time.Duration) Timings {
	t.time100 = d
	return t
}

func (t Timings) T1() time.Duration { return t.t1 }
func (t Timings) T2() time.Duration { return t.t2 }
func (t Timings) T4() time.Duration { return t.t4 }

// TimeA is the initial INVITE retransmit interval, doubling on each fire.
func (t Timings) TimeA() time.Duration { return t.t1 }

// TimeB is the INVITE transaction timeout.
func (t Timings) TimeB() time.Duration { return 64 * t.t1 }

// TimeD is how long a client INVITE transaction absorbs retransmitted
// final responses after the first.
func (t Timings) TimeD() time.Duration { return 64 * t.t1 }

// TimeE is the initial non-INVITE retransmit interval, doubling up to T2.
func (t Timings) TimeE() time.Duration { return t.t1 }

// TimeF is the non-INVITE transaction timeout.
func (t Timings) TimeF() time.Duration { return 64 * t.t1 }

// TimeG is the initial INVITE final response retransmit interval,
// doubling up to T2.
func (t Timings) TimeG() time.Duration { return t.t1 }

// TimeH is how long a server INVITE transaction waits for an ACK.
func (t Timings) TimeH() time.Duration { return 64 * t.t1 }

// TimeI is how long a server INVITE transaction absorbs retransmitted ACKs.
func (t Timings) TimeI() time.Duration { return t.t4 }

// TimeJ is how long a server non-INVITE transaction absorbs retransmitted
// requests after the final response.
func (t Timings) TimeJ() time.Duration { return 64 * t.t1 }

// TimeK is how long a client non-INVITE transaction absorbs retransmitted
// final responses.
func (t Timings) TimeK() time.Duration { return t.t4 }

// TimeM is how long a client INVITE transaction waits for its user to
// acknowledge a 2xx before giving up.
func (t Timings) TimeM() time.Duration { return 64 * t.t1 }

// Time100 is the auto 100 Trying delay of server INVITE transactions.
func (t Timings) Time100() time.Duration { return t.time100 }
