package testutils

import (
	"errors"
	"sync/atomic"
)

var ErrMockAllocation = errors.New("mock allocation failure")

// MockBlockPool is a heap backed block allocator that counts calls
// and can be told to fail allocations.
type MockBlockPool struct {
	getCalls  atomic.Int64 // Successful Get calls.
	putCalls  atomic.Int64
	failCalls atomic.Int64
	failAfter atomic.Int64 // Number of successful Gets allowed plus one; 0 disables failures.
}

// FailAfter makes every Get fail once n Gets have succeeded in total.
// A negative n disables failures.
func (p *MockBlockPool) FailAfter(n int) {
	if n < 0 {
		p.failAfter.Store(0)
		return
	}
	p.failAfter.Store(int64(n) + 1)
}

func (p *MockBlockPool) Get(capacity int) ([]byte, error) {
	if limit := p.failAfter.Load(); limit > 0 && p.getCalls.Load() >= limit-1 {
		p.failCalls.Add(1)
		return nil, ErrMockAllocation
	}
	p.getCalls.Add(1)
	return make([]byte, capacity), nil
}

func (p *MockBlockPool) Put(b []byte) {
	p.putCalls.Add(1)
}

func (p *MockBlockPool) GetCalls() int64 {
	return p.getCalls.Load()
}

func (p *MockBlockPool) PutCalls() int64 {
	return p.putCalls.Load()
}

func (p *MockBlockPool) FailCalls() int64 {
	return p.failCalls.Load()
}

func (p *MockBlockPool) BlocksInUse() int64 {
	return p.GetCalls() - p.PutCalls()
}

func (p *MockBlockPool) Reset() {
	p.getCalls.Store(0)
	p.putCalls.Store(0)
	p.failCalls.Store(0)
	p.failAfter.Store(0)
}
