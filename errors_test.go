package ohci

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStructuredError(t *testing.T) {
	err := NewError("START", ErrCodeBadArgument, "invalid generation")

	assert.Equal(t, "START", err.Op)
	assert.Equal(t, ErrCodeBadArgument, err.Code)
	assert.Equal(t, "ohci: invalid generation (op=START)", err.Error())
}

func TestErrorWithErrno(t *testing.T) {
	err := NewErrorWithErrno("READ_PHY", ErrCodeRegAccessFail, syscall.EIO)

	assert.Equal(t, syscall.EIO, err.Errno)
	assert.Equal(t, ErrCodeRegAccessFail, err.Code)
}

func TestTransactionError(t *testing.T) {
	err := NewTransactionError("SUBMIT", 7, 3, 12, ErrCodeAckBusy, "ack busy from node 3")

	assert.EqualValues(t, 7, err.Handle)
	assert.EqualValues(t, 3, err.NodeID)
	assert.EqualValues(t, 12, err.TLabel)
	assert.Equal(t, "ohci: ack busy from node 3 (op=SUBMIT)", err.Error())
}

func TestScanError(t *testing.T) {
	err := NewScanError("READ_BIB", 5, 2, ErrCodeScanFailed, "node exhausted retries")

	assert.EqualValues(t, 5, err.NodeID)
	assert.EqualValues(t, 2, err.Generation)
}

func TestWrapError(t *testing.T) {
	inner := syscall.ETIMEDOUT
	err := WrapError("READ_PHY", inner)

	assert.Equal(t, ErrCodeTimeout, err.Code)
	assert.Equal(t, syscall.ETIMEDOUT, err.Errno)
	assert.True(t, errors.Is(err, syscall.ETIMEDOUT))
}

func TestErrorIsMatchesByCode(t *testing.T) {
	var base error = &Error{Code: ErrCodeTimeout}
	other := &Error{Code: ErrCodeTimeout, Op: "different op, same code"}

	assert.True(t, errors.Is(other, base),
		"expected two *Error values with the same Code to satisfy errors.Is")
}

func TestIsCode(t *testing.T) {
	err := NewError("TEST", ErrCodeTimeout, "operation timed out")

	assert.True(t, IsCode(err, ErrCodeTimeout))
	assert.False(t, IsCode(err, ErrCodeDataError))
	assert.False(t, IsCode(nil, ErrCodeTimeout))
}

func TestIsErrno(t *testing.T) {
	err := NewErrorWithErrno("TEST", ErrCodeRegAccessFail, syscall.EIO)

	assert.True(t, IsErrno(err, syscall.EIO))
	assert.False(t, IsErrno(err, syscall.EPERM))
	assert.False(t, IsErrno(nil, syscall.EIO))
}

func TestErrnoMapping(t *testing.T) {
	testCases := []struct {
		errno    syscall.Errno
		expected ErrorCode
	}{
		{syscall.ETIMEDOUT, ErrCodeTimeout},
		{syscall.EINVAL, ErrCodeBadArgument},
		{syscall.ENODEV, ErrCodeNotAttached},
		{syscall.ENXIO, ErrCodeNotAttached},
		{syscall.EIO, ErrCodeRegAccessFail},
	}

	for _, tc := range testCases {
		assert.Equalf(t, tc.expected, mapErrnoToCode(tc.errno), "mapErrnoToCode(%v)", tc.errno)
	}
}
