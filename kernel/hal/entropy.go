package hal

import (
	"aurora/kernel/cpu"
	"aurora/kernel/sync"
)

// rdrandRetries bounds the number of RDRAND attempts per word before the
// software generator takes over.
const rdrandRetries = 10

var (
	// The processor entropy sources are mocked by tests.
	hasRDRANDFn  = cpu.HasRDRAND
	readRandomFn = cpu.ReadRandom
	readTSCFn    = cpu.ReadTSC

	prng prngState
)

type prngState struct {
	lock  sync.Spinlock
	state uint64
}

// next advances a xorshift64* generator. The state is seeded from the
// timestamp counter and the tick count the first time it is used.
func (p *prngState) next() uint64 {
	irql := p.lock.Acquire()
	if p.state == 0 {
		p.state = readTSCFn() ^ (timer.ticks << 32) ^ 0x9e3779b97f4a7c15
		if p.state == 0 {
			p.state = 0x9e3779b97f4a7c15
		}
	}

	p.state ^= p.state >> 12
	p.state ^= p.state << 25
	p.state ^= p.state >> 27
	v := p.state * 0x2545f4914f6cdd1d
	p.lock.Release(irql)
	return v
}

// Entropy is an io.Reader that yields random bytes from the processor's
// RDRAND generator. Processors without RDRAND fall back to a generator
// seeded from the timestamp counter; its output is not suitable for
// cryptographic use.
type Entropy struct{}

// Read fills p with random bytes. It never fails.
func (Entropy) Read(p []byte) (int, error) {
	useRDRAND := hasRDRANDFn()
	for off := 0; off < len(p); off += 8 {
		v := randomWord(useRDRAND)
		for i := 0; i < 8 && off+i < len(p); i++ {
			p[off+i] = byte(v >> (8 * uint(i)))
		}
	}
	return len(p), nil
}

func randomWord(useRDRAND bool) uint64 {
	if useRDRAND {
		for try := 0; try < rdrandRetries; try++ {
			if v, ok := readRandomFn(); ok {
				return v
			}
		}
	}
	return prng.next()
}

// Nanotime converts the tick count into nanoseconds since Init. Its
// resolution is one timer period.
func Nanotime() int64 {
	hz := uint64(timer.frequency)
	if hz == 0 {
		return 0
	}
	ticks := timer.ticks
	return int64(ticks/hz*1e9 + ticks%hz*1e9/hz)
}
