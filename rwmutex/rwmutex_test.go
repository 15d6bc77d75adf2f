package rwmutex

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// actor reads or writes the shared buffer once, recording the interval
// during which it held the lock.
type actor struct {
	delay time.Duration
	hold  time.Duration
	write string // empty means the actor is a reader

	entry time.Time
	exit  time.Time
	seen  []string
}

func (a *actor) run(rw *RWMutex, buf []string) {
	time.Sleep(a.delay)

	if a.write == "" {
		rw.RLock()
		a.entry = time.Now()
		a.seen = append([]string(nil), buf...)
		time.Sleep(a.hold)
		a.exit = time.Now()
		rw.RUnlock()
		return
	}

	rw.Lock()
	a.entry = time.Now()
	buf[0] = a.write
	time.Sleep(a.hold)
	a.exit = time.Now()
	rw.Unlock()
}

func runAll(rw *RWMutex, buf []string, actors ...*actor) {
	var wg sync.WaitGroup
	for _, a := range actors {
		wg.Add(1)
		go func(a *actor) {
			defer wg.Done()
			a.run(rw, buf)
		}(a)
	}
	wg.Wait()
}

func TestMultipleReaders(t *testing.T) {
	rw := New()
	buf := []string{"A"}

	reader1 := &actor{delay: 0, hold: 50 * time.Millisecond}
	reader2 := &actor{delay: 10 * time.Millisecond, hold: 0}
	writer := &actor{delay: 20 * time.Millisecond, hold: 20 * time.Millisecond, write: "Z"}
	reader3 := &actor{delay: 30 * time.Millisecond, hold: 0}

	runAll(rw, buf, reader1, reader2, writer, reader3)

	require.Equal(t, []string{"Z"}, buf)
	require.Equal(t, []string{"A"}, reader1.seen)
	require.Equal(t, []string{"A"}, reader2.seen)
	require.Equal(t, []string{"Z"}, reader3.seen)

	// The second reader entered after the first one and left before it:
	// their hold intervals overlap, so readers do not exclude each other.
	require.True(t, reader1.entry.Before(reader2.entry))
	require.True(t, reader1.exit.After(reader2.exit))

	// The third reader arrived behind a waiting writer and had to wait
	// for its exclusive window to complete.
	require.False(t, reader3.entry.Before(writer.exit))
}

func TestWriterExclusion(t *testing.T) {
	rw := New()
	buf := []string{"A"}

	reader1 := &actor{delay: 0, hold: 20 * time.Millisecond}
	writer1 := &actor{delay: 20 * time.Millisecond, hold: 30 * time.Millisecond, write: "Z"}
	writer2 := &actor{delay: 30 * time.Millisecond, hold: 0, write: "X"}
	reader2 := &actor{delay: 40 * time.Millisecond, hold: 0}

	runAll(rw, buf, reader1, writer1, writer2, reader2)

	require.Equal(t, []string{"X"}, buf)
	require.Equal(t, []string{"A"}, reader1.seen)
	require.Equal(t, []string{"X"}, reader2.seen)

	// The first write outlives the moment the second writer asked for the
	// lock; the second writer must not enter until the first one leaves.
	require.True(t, writer1.entry.Before(writer2.entry))
	require.False(t, writer2.entry.Before(writer1.exit))

	// The trailing reader waits for the last writer.
	require.True(t, writer2.entry.Before(reader2.entry))
	require.False(t, reader2.entry.Before(writer2.exit))
}

func TestReaderWaitsForActiveWriter(t *testing.T) {
	rw := New()
	buf := []string{"A"}

	writer := &actor{delay: 0, hold: 50 * time.Millisecond, write: "Z"}
	reader := &actor{delay: 20 * time.Millisecond, hold: 0}

	runAll(rw, buf, writer, reader)

	require.Equal(t, []string{"Z"}, reader.seen)
	require.False(t, reader.entry.Before(writer.exit))
}

func TestReusable(t *testing.T) {
	rw := New()

	for i := 0; i < 100; i++ {
		rw.Lock()
		rw.Unlock()
		rw.RLock()
		rw.RLock()
		rw.RUnlock()
		rw.RUnlock()
	}
}

func TestInvariantsUnderStress(t *testing.T) {
	rw := New()

	var (
		readers    int32
		writers    int32
		violations int32
	)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		if i%4 == 0 {
			go func() {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					rw.Lock()
					if atomic.AddInt32(&writers, 1) != 1 {
						atomic.AddInt32(&violations, 1)
					}
					if atomic.LoadInt32(&readers) != 0 {
						atomic.AddInt32(&violations, 1)
					}
					atomic.AddInt32(&writers, -1)
					rw.Unlock()
				}
			}()
		} else {
			go func() {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					rw.RLock()
					atomic.AddInt32(&readers, 1)
					if atomic.LoadInt32(&writers) != 0 {
						atomic.AddInt32(&violations, 1)
					}
					atomic.AddInt32(&readers, -1)
					rw.RUnlock()
				}
			}()
		}
	}
	wg.Wait()

	require.Zero(t, atomic.LoadInt32(&violations))
}

func TestUnlockPanicsWhenUnlocked(t *testing.T) {
	require.Panics(t, func() { New().Unlock() })
	require.Panics(t, func() { New().RUnlock() })
}
