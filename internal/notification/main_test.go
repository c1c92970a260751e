//go:build !integration

package notification

import (
	"os"
	"testing"

	"go.uber.org/goleak"
)

// container tests leave reaper goroutines behind, so leak checks only run
// for the unit suite
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("testing.(*T).Run"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
	)
	os.Exit(m.Run())
}
