// Copyright 2023 Kami
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package reactor

import (
	"fmt"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/govoltron/reactor/internal/iopoll"
)

// LoopPool owns thread_num sub-loops, each run on its own goroutine, and
// hands out the next one with a round-robin counter.
type LoopPool struct {
	loops   []*iopoll.Loop
	next    atomic.Uint64
	wg      sync.WaitGroup
	started bool
}

// newLoopPool constructs n named sub-loops ("loop-1", "loop-2", ...); it
// does not start them.
func newLoopPool(n int, onError func(name string, err error)) (*LoopPool, error) {
	pool := &LoopPool{loops: make([]*iopoll.Loop, 0, n)}
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("loop-%d", i+1)
		l, err := iopoll.New(name)
		if err != nil {
			pool.Close()
			return nil, err
		}
		if onError != nil {
			l.SetErrorCallback(func(loop *iopoll.Loop, err error) { onError(loop.Name, err) })
		}
		pool.loops = append(pool.loops, l)
	}
	return pool, nil
}

// start launches one goroutine per sub-loop, each running loop.Run until
// Shutdown is observed.
func (p *LoopPool) start() {
	if p.started {
		return
	}
	p.started = true
	for _, l := range p.loops {
		l := l
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			l.Run()
		}()
	}
}

// Next returns the next sub-loop in round-robin order. Next panics if the
// pool has no loops; callers only reach it in OneLoopPerThread mode, where
// ThreadNum is always at least 1.
func (p *LoopPool) Next() *iopoll.Loop {
	i := p.next.Inc() - 1
	return p.loops[int(i)%len(p.loops)]
}

// Len reports the number of sub-loops in the pool.
func (p *LoopPool) Len() int { return len(p.loops) }

// Loops returns the pool's sub-loops, for introspection.
func (p *LoopPool) Loops() []*iopoll.Loop { return p.loops }

// shutdown signals every sub-loop to stop, waits for all of their
// goroutines to return, and closes their pollers and wakeup fds. A
// one-loop-per-thread shutdown can legitimately fail on more than one loop
// at once (e.g. a wakeup-fd close racing a concurrent post), so every
// loop's error is aggregated rather than just the first.
func (p *LoopPool) shutdown() error {
	for _, l := range p.loops {
		l.Shutdown()
	}
	p.wg.Wait()

	var errs error
	for _, l := range p.loops {
		errs = multierr.Append(errs, l.Close())
	}
	return errs
}

// Close releases resources for loops that were never started (e.g. pool
// construction failed partway through).
func (p *LoopPool) Close() error {
	var errs error
	for _, l := range p.loops {
		errs = multierr.Append(errs, l.Close())
	}
	return errs
}
