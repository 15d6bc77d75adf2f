// Package rwmutex provides a reader/writer mutual exclusion lock with
// writer priority. It protects a resource that is read by many goroutines
// concurrently and mutated by occasional exclusive writers.
package rwmutex

import "sync"

// A RWMutex is a reader/writer mutual exclusion lock.
// The lock can be held by an arbitrary number of readers or a single writer.
//
// If a goroutine holds a RWMutex for reading and another goroutine might
// call Lock, no goroutine should expect to be able to acquire a read lock
// until the initial read lock is released. In particular, this prohibits
// recursive read locking. This is to ensure that the lock eventually becomes
// available; a blocked Lock call excludes new readers from acquiring the
// lock.
//
// All state transitions happen under one internal mutex; blocked callers
// sleep on a condition variable and re-check their predicate after every
// release.
type RWMutex struct {
	mu   sync.Mutex
	cond *sync.Cond

	readers        int
	writerActive   bool
	writersWaiting int
}

// New creates *RWMutex in the unlocked state.
func New() *RWMutex {
	rw := &RWMutex{}
	rw.cond = sync.NewCond(&rw.mu)
	return rw
}

// RLock locks rw for reading. It blocks while a writer holds the lock or
// is waiting for it, then registers the caller as an active reader.
// Readers do not exclude each other: any number of RLock calls may
// proceed at once while the blocking condition is clear.
//
// It should not be used for recursive read locking; a blocked Lock
// call excludes new readers from acquiring the lock. See the
// documentation on the RWMutex type.
func (rw *RWMutex) RLock() {
	rw.mu.Lock()
	for rw.writerActive || rw.writersWaiting > 0 {
		rw.cond.Wait()
	}
	rw.readers++
	rw.mu.Unlock()
}

// RUnlock undoes a single RLock call;
// it does not affect other simultaneous readers.
// It is a run-time error if rw is not locked for reading
// on entry to RUnlock.
func (rw *RWMutex) RUnlock() {
	rw.mu.Lock()
	rw.readers--
	if rw.readers < 0 {
		rw.mu.Unlock()
		panic("rwmutex: RUnlock of unlocked RWMutex")
	}
	if rw.readers == 0 {
		// последний читатель ушёл - будим ждущих писателей
		rw.cond.Broadcast()
	}
	rw.mu.Unlock()
}

// Lock locks rw for writing.
// If the lock is already locked for reading or writing,
// Lock blocks until all current holders release it.
func (rw *RWMutex) Lock() {
	rw.mu.Lock()
	rw.writersWaiting++
	for rw.writerActive || rw.readers > 0 {
		rw.cond.Wait()
	}
	rw.writersWaiting--
	rw.writerActive = true
	rw.mu.Unlock()
}

// Unlock unlocks rw for writing and wakes every goroutine blocked on
// either read or write acquisition; each one re-checks its predicate and
// the eligible ones proceed. It is a run-time error if rw is not locked
// for writing on entry to Unlock.
//
// As with Mutexes, a locked RWMutex is not associated with a particular
// goroutine. One goroutine may RLock (Lock) a RWMutex and then
// arrange for another goroutine to RUnlock (Unlock) it.
func (rw *RWMutex) Unlock() {
	rw.mu.Lock()
	if !rw.writerActive {
		rw.mu.Unlock()
		panic("rwmutex: Unlock of unlocked RWMutex")
	}
	rw.writerActive = false
	rw.cond.Broadcast()
	rw.mu.Unlock()
}
