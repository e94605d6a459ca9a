package patchrack

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// ErrorKind classifies an EngineError per §7's error-kinds table.
type ErrorKind int

const (
	ErrInvalidArgument ErrorKind = iota
	ErrTopologyInconsistency
	ErrDriverFailure
	ErrPoolExhaustion
	ErrFatal
)

func (k ErrorKind) String() string {
	switch k {
	case ErrInvalidArgument:
		return "invalid argument"
	case ErrTopologyInconsistency:
		return "topology inconsistency"
	case ErrDriverFailure:
		return "driver failure"
	case ErrPoolExhaustion:
		return "pool exhaustion"
	case ErrFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// EngineError is the typed error engine operations return for their own
// failures. Errors passed up from a driver or from the dispatcher queue are
// returned as plain (fmt.Errorf-wrapped) errors instead. Realtime-contention
// degradation (§7, "absorbed silently") is never wrapped in one of these —
// it has no error surface at all.
type EngineError struct {
	Kind ErrorKind
	Msg  string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func newEngineError(kind ErrorKind, format string, args ...interface{}) *EngineError {
	return &EngineError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// ErrorHandler receives engine-level errors that don't have a dedicated
// return value (async driver failures, degraded-block warnings), and is
// where pool-exhaustion warnings are logged. Errors handed to it are not
// forwarded to the HostCallback: nothing in this package fires a
// CallbackError event.
type ErrorHandler interface {
	HandleError(error)
}

// DefaultErrorHandler logs through a logrus.FieldLogger rather than a bare
// fmt.Printf — §7 calls several of these paths out explicitly as "warning
// logged", which wants levels, not prints.
type DefaultErrorHandler struct {
	log logrus.FieldLogger
}

// NewDefaultErrorHandler builds a DefaultErrorHandler. A nil logger falls
// back to logrus's standard instance.
func NewDefaultErrorHandler(log logrus.FieldLogger) *DefaultErrorHandler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &DefaultErrorHandler{log: log}
}

func (h *DefaultErrorHandler) HandleError(err error) {
	if err == nil {
		return
	}
	if ee, ok := err.(*EngineError); ok {
		switch ee.Kind {
		case ErrFatal:
			h.log.WithField("kind", ee.Kind.String()).Error(ee.Msg)
		case ErrDriverFailure, ErrPoolExhaustion:
			h.log.WithField("kind", ee.Kind.String()).Warn(ee.Msg)
		default:
			h.log.WithField("kind", ee.Kind.String()).Debug(ee.Msg)
		}
		return
	}
	h.log.Warn(err.Error())
}

// LoggingErrorHandler wraps another handler and additionally forwards
// every error to a logger callback, so a caller can chain handlers
// (e.g. log and still panic) without either implementation knowing
// about the other.
type LoggingErrorHandler struct {
	underlying ErrorHandler
	logger     func(error)
}

func NewLoggingErrorHandler(underlying ErrorHandler, logger func(error)) *LoggingErrorHandler {
	return &LoggingErrorHandler{underlying: underlying, logger: logger}
}

func (h *LoggingErrorHandler) HandleError(err error) {
	if h.logger != nil {
		h.logger(err)
	}
	if h.underlying != nil {
		h.underlying.HandleError(err)
	}
}

// PanicErrorHandler panics on any error; useful in tests that must fail
// loudly on an unexpected async error rather than swallow it.
type PanicErrorHandler struct{}

func (h *PanicErrorHandler) HandleError(err error) {
	panic(fmt.Sprintf("engine error: %v", err))
}
