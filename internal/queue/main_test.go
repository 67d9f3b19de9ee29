package queue_test

import (
	"testing"

	"go.uber.org/goleak"
)

// The audio queue runs a polling ticker and both queue variants hand work
// to short-lived goroutines; verify none of them outlive their test.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
