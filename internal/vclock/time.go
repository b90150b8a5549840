package vclock

import "time"

// wallMicros is split out so tests can observe it's just UnixMicro; kept as
// a var-free function since vector clocks never need to fake wall time, only
// guarantee monotonic increase (handled in nowMicros).
func wallMicros() uint64 {
	return uint64(time.Now().UnixMicro())
}
