package patchrack

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKindString(t *testing.T) {
	assert.Equal(t, "invalid argument", ErrInvalidArgument.String())
	assert.Equal(t, "unknown", ErrorKind(99).String())
}

func TestNewEngineErrorFormatsMessage(t *testing.T) {
	err := newEngineError(ErrFatal, "buffer size %d too small", 1)
	assert.Equal(t, "fatal: buffer size 1 too small", err.Error())
	assert.Equal(t, ErrFatal, err.Kind)
}

func TestDefaultErrorHandlerLevelsByKind(t *testing.T) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	h := NewDefaultErrorHandler(log)

	h.HandleError(newEngineError(ErrFatal, "boom"))
	require.Len(t, hook.Entries, 1)
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)

	h.HandleError(newEngineError(ErrDriverFailure, "flaky"))
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)

	h.HandleError(newEngineError(ErrPoolExhaustion, "full"))
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)

	h.HandleError(newEngineError(ErrInvalidArgument, "bad arg"))
	assert.Equal(t, logrus.DebugLevel, hook.LastEntry().Level)
}

func TestDefaultErrorHandlerIgnoresNil(t *testing.T) {
	log, hook := test.NewNullLogger()
	h := NewDefaultErrorHandler(log)
	h.HandleError(nil)
	assert.Empty(t, hook.Entries)
}

func TestDefaultErrorHandlerWarnsOnPlainError(t *testing.T) {
	log, hook := test.NewNullLogger()
	h := NewDefaultErrorHandler(log)
	h.HandleError(errors.New("not an EngineError"))
	require.Len(t, hook.Entries, 1)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestLoggingErrorHandlerForwardsToBoth(t *testing.T) {
	var logged error
	rec := &recordingErrorHandler{}
	h := NewLoggingErrorHandler(rec, func(err error) { logged = err })

	want := newEngineError(ErrFatal, "x")
	h.HandleError(want)

	assert.Equal(t, want, logged)
	require.Len(t, rec.errs, 1)
	assert.Equal(t, want, rec.errs[0])
}

func TestPanicErrorHandlerPanics(t *testing.T) {
	h := &PanicErrorHandler{}
	assert.Panics(t, func() { h.HandleError(errors.New("x")) })
}
