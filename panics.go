package lifecycle

import (
	"fmt"
	"runtime"
	"strings"
)

// PanicError is a recovered panic with the stack of the panicking goroutine.
type PanicError struct {
	Value any
	Stack []byte
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", p.Value)
}

// CatchPanic runs fn and converts a panic into a *PanicError.
func CatchPanic(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := make([]byte, 8096)
			stack = stack[:runtime.Stack(stack, false)]
			err = &PanicError{Value: r, Stack: cleanStackTrace(stack)}
		}
	}()
	return fn()
}

// cleanStackTrace drops the frames up to and including the runtime panic call.
func cleanStackTrace(stack []byte) []byte {
	lines := strings.Split(string(stack), "\n")
	idx := -1
	for i, line := range lines {
		if strings.Contains(line, "panic(") {
			idx = i
			break
		}
	}
	// panic({0x101fc1100?, 0x14000817248?})
	//         ./go/src/runtime/panic.go:785 +0x124
	if idx >= 0 && idx+2 < len(lines) {
		lines = lines[idx+2:]
	}
	return []byte(strings.Join(lines, "\n"))
}
