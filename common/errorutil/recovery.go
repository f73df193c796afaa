package errorutil

import (
	"context"
	"runtime"

	logutil "github.com/wfchen/durable/common/log"
)

type RecoveryFallBackFunc func(interface{})

// Recovery swallows a panic in the calling goroutine, logging the stack
// unless a fallback handled it.
func Recovery(funcs ...RecoveryFallBackFunc) {
	if r := recover(); r != nil {
		recovered := false
		for _, fun := range funcs {
			if fun != nil {
				fun(r)
				recovered = true
			}
		}
		if !recovered {
			buf := make([]byte, 1<<18)
			n := runtime.Stack(buf, false)
			logutil.Logger(context.Background()).Sugar().Errorf("%v, STACK: %s", r, buf[0:n])
		}
	}
}

// SafeGoroutine runs fn with panic recovery.
func SafeGoroutine(fn func()) {
	defer Recovery()
	fn()
}
