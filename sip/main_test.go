package sip_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain guards the package's transaction machines, each of which starts
// timer goroutines and dispatcher consumer loops, against leaking across
// test cases.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
