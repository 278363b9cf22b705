package vmm

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/gosmp/gosmp/rcu"
)

// demoValue is what the workload publishes through its versioned
// pointer, one version per round.
type demoValue struct {
	round uint64
}

// startDemo launches the background workload: each tick runs a cross
// call on every online core, with each core opening a read section over
// a shared versioned pointer, then publishes a new version and retires
// the old one behind a grace period. It gives an otherwise idle
// instance moving counters and advancing grace periods to look at over
// the control socket.
func (v *VMM) startDemo(period time.Duration) {
	v.demoStop = make(chan struct{})
	v.demoDone = make(chan struct{})

	go func() {
		defer close(v.demoDone)

		gp := v.Machine.RCU()

		var ptr rcu.Pointer[demoValue]

		ptr.Store(&demoValue{})

		var (
			round   uint64
			retired atomic.Uint64
		)

		tick := time.NewTicker(period)
		defer tick.Stop()

		for {
			select {
			case <-v.demoStop:
				log.Printf("vmm: demo: %d rounds, %d versions retired",
					round, retired.Load())

				return
			case <-tick.C:
			}

			read := func(int) {
				gp.ReadLock()
				_ = ptr.Load()
				gp.ReadUnlock()
			}

			if err := v.Machine.CallOthers(read); err != nil {
				log.Printf("vmm: demo stopped after %d rounds: %v", round, err)

				return
			}

			round++

			ptr.Update(gp, &demoValue{round: round}, func(*demoValue) {
				retired.Add(1)
			})
		}
	}()
}

// stopDemo waits for the workload to wind down. Safe to call when no
// demo was started.
func (v *VMM) stopDemo() {
	if v.demoStop == nil {
		return
	}

	close(v.demoStop)
	<-v.demoDone

	v.demoStop = nil
}
