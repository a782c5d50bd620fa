package wsrt

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain checks for goroutine leaks across the package's test suite. This
// package owns the per-connection read/write pumps and the stream-abort
// plumbing; a leaked goroutine here is exactly the kind of bug the tests
// above (abort, transport-close, policy-violation close) exist to catch.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("net/http.(*http2clientConnReadLoop).run"),
	)
}
