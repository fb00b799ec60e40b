// Package clock provides the injectable time and randomness seams used
// throughout rtpcore. Production code uses RealClock/CryptoRandom; tests
// inject a fake so that reconsideration jitter and SSRC/sequence-number
// initialization are reproducible.
package clock

import (
	"crypto/rand"
	"encoding/binary"
	mathrand "math/rand/v2"
	"sync"
	"time"
)

// Clock abstracts wall-clock reads so tests can control elapsed time
// instead of sleeping.
type Clock interface {
	Now() time.Time
}

// RealClock reads the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// RandomSource abstracts the randomness the core needs: SSRC and sequence
// number initialization (RFC 3550 Appendix A.6) and RTCP reconsideration
// jitter (§4.3). Tests supply a seeded source for deterministic runs.
type RandomSource interface {
	Uint32() uint32
	Uint16() uint16
	// Float64 returns a value in [0, 1), used to scale reconsideration
	// intervals via Unif(min, max) = min + Float64()*(max-min).
	Float64() float64
}

// CryptoRandom draws from crypto/rand, matching the teacher's generateSSRC.
type CryptoRandom struct{}

func (CryptoRandom) Uint32() uint32 {
	var v uint32
	_ = binary.Read(rand.Reader, binary.BigEndian, &v)
	return v
}

func (CryptoRandom) Uint16() uint16 {
	var v uint16
	_ = binary.Read(rand.Reader, binary.BigEndian, &v)
	return v
}

func (CryptoRandom) Float64() float64 {
	var v uint64
	_ = binary.Read(rand.Reader, binary.BigEndian, &v)
	return float64(v>>11) / (1 << 53)
}

// FakeClock is a mutable clock for tests: advance it explicitly rather than
// sleeping.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// SeededRandom is a deterministic RandomSource for tests.
type SeededRandom struct {
	r *mathrand.Rand
}

func NewSeededRandom(seed uint64) *SeededRandom {
	return &SeededRandom{r: mathrand.New(mathrand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (s *SeededRandom) Uint32() uint32    { return s.r.Uint32() }
func (s *SeededRandom) Uint16() uint16    { return uint16(s.r.Uint32()) }
func (s *SeededRandom) Float64() float64  { return s.r.Float64() }

// Unif returns a value uniformly distributed in [min, max) using rnd.
func Unif(rnd RandomSource, min, max float64) float64 {
	return min + rnd.Float64()*(max-min)
}
