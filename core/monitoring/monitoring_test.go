package monitoring

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type recordingMonitor struct {
	errs   []error
	panics []any
}

func (r *recordingMonitor) CaptureException(err error, _ map[string]string) {
	r.errs = append(r.errs, err)
}
func (r *recordingMonitor) CapturePanic(v any, _ map[string]string) { r.panics = append(r.panics, v) }
func (r *recordingMonitor) Flush(time.Duration)                     {}

func TestGuardRecoversPanic(t *testing.T) {
	m := &recordingMonitor{}
	err := Guard(m, map[string]string{"event": "1"}, func() error { panic("boom") })
	assert.EqualError(t, err, "panic: boom")
	assert.Equal(t, []any{"boom"}, m.panics)
}

func TestGuardPassesError(t *testing.T) {
	boom := errors.New("boom")
	assert.ErrorIs(t, Guard(nil, nil, func() error { return boom }), boom)
	assert.NoError(t, Guard(nil, nil, func() error { return nil }))
}
