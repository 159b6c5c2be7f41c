// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package secelem

import (
	"bytes"
	"errors"
	"fmt"
)

// EchoPattern is the payload sent by SelfTest.
const EchoPattern = "STSAFEA TEST ECHO DATA"

// ErrSelfTest is returned when the device does not echo the test pattern.
var ErrSelfTest = errors.New("secure element self-test failed")

// SelfTest checks the command channel by echoing a fixed pattern.
func SelfTest(dev Device) error {
	out, err := dev.Echo([]byte(EchoPattern))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSelfTest, err)
	}
	if !bytes.Equal(out, []byte(EchoPattern)) {
		return fmt.Errorf("%w: echo mismatch", ErrSelfTest)
	}
	return nil
}
