package testbed

import (
	"runtime"
	"strconv"
	"strings"
)

// goid returns the current goroutine id. The fake keys collector
// registration by goroutine where the real collector keys by OS
// thread; under runtime.LockOSThread the two coincide, and that is the
// only way the engine package drives registration.
func goid() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// Header shape: "goroutine 123 [running]:"
	fields := strings.Fields(string(buf[:n]))
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return id
}
