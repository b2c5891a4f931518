package gpu

import "fmt"

// Debug enables verbose device-layer tracing.
var Debug = false

// Log prints a debug trace line when Debug is set.
func Log(format string, args ...any) {
	if Debug {
		fmt.Printf("[gpu] "+format+"\n", args...)
	}
}
