package transport

import (
	"testing"

	"go.uber.org/goleak"
)

// Verifies that ReadPump/WritePump never leak a goroutine past test
// completion.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
