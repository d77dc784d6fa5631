// Package testutils holds helpers shared by package tests.
package testutils

import (
	"go.uber.org/goleak"
)

// VerifyTestMain fails the test binary if goroutines outlive the tests.
func VerifyTestMain(m goleak.TestingM) {
	goleak.VerifyTestMain(m)
}
