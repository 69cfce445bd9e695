package bbp

import "runtime"

// spinYield backs the status spin-wait loops. Waits on LOADING/UNLOADING
// are expected to be microseconds, so a scheduler yield is cheaper than
// parking a goroutine and paying the wakeup latency.
func spinYield() { runtime.Gosched() }
