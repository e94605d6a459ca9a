package patchrack

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaban/patchrack/internal/opqueue"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *opqueue.Queue) {
	q := opqueue.New(8)
	q.Start()
	t.Cleanup(q.Close)
	return NewDispatcher(q, nil), q
}

func TestDispatcherRunSyncReturnsError(t *testing.T) {
	d, _ := newTestDispatcher(t)
	wantErr := errors.New("boom")
	err := d.RunSync(func() error { return wantErr })
	assert.Equal(t, wantErr, err)
}

func TestDispatcherRunSyncSerializesCallers(t *testing.T) {
	d, _ := newTestDispatcher(t)
	var active int
	var maxActive int

	run := func() error {
		active++
		if active > maxActive {
			maxActive = active
		}
		time.Sleep(2 * time.Millisecond)
		active--
		return nil
	}

	done := make(chan struct{}, 20)
	for i := 0; i < 20; i++ {
		go func() {
			_ = d.RunSync(run)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 20; i++ {
		<-done
	}
	assert.LessOrEqual(t, maxActive, 1, "RunSync callers must never overlap execution")
}

func TestDispatcherReportsBudgetOverrun(t *testing.T) {
	rec := &recordingErrorHandler{}
	q := opqueue.New(4)
	q.Start()
	t.Cleanup(q.Close)
	d := NewDispatcher(q, rec)
	d.maxOperationDuration = time.Millisecond

	require.NoError(t, d.RunSync(func() error {
		time.Sleep(5 * time.Millisecond)
		return nil
	}))

	assert.Greater(t, rec.count(), 0, "exceeding the budget must be reported to the error handler")
}

// recordingErrorHandler is safe for this test's use: HandleError is only
// ever called from the dispatcher's single worker goroutine, and count()
// is only read after RunSync (and therefore the worker's call) returns.
type recordingErrorHandler struct {
	errs []error
}

func (h *recordingErrorHandler) HandleError(err error) {
	h.errs = append(h.errs, err)
}

func (h *recordingErrorHandler) count() int { return len(h.errs) }
