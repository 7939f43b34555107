package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/sentiric/sentiric-voice-orchestrator/internal/conversation"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/service"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/state"
)

// --- Mock Bağımlılıklar ---
type MockCallController struct {
	mock.Mock
}

func (m *MockCallController) StartCall(ctx context.Context, sess state.CallSession) error {
	args := m.Called(ctx, sess)
	return args.Error(0)
}

func (m *MockCallController) EndCall(ctx context.Context, callID string) (*service.CallReport, error) {
	args := m.Called(ctx, callID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.CallReport), args.Error(1)
}

func (m *MockCallController) PlaybackFinished(callID string) {
	m.Called(callID)
}

type MockStartLocker struct {
	mock.Mock
}

func (m *MockStartLocker) AcquireStartLock(ctx context.Context, callID string) (bool, error) {
	args := m.Called(ctx, callID)
	return args.Bool(0), args.Error(1)
}

type testHandler struct {
	*EventHandler
	calls     *MockCallController
	locker    *MockStartLocker
	processed *prometheus.CounterVec
	failed    *prometheus.CounterVec
}

func newTestHandler() *testHandler {
	calls := new(MockCallController)
	locker := new(MockStartLocker)
	processed := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_processed"}, []string{"event_type"})
	failed := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_failed"}, []string{"event_type", "reason"})
	h := NewEventHandler(calls, locker, "tr", "system", zerolog.New(io.Discard), processed, failed)
	return &testHandler{EventHandler: h, calls: calls, locker: locker, processed: processed, failed: failed}
}

func event(eventType, callID string) []byte {
	return []byte(fmt.Sprintf(`{"eventType":%q,"callId":%q,"fromUri":"sip:+905551234567@1.2.3.4"}`, eventType, callID))
}

// --- Testler ---
func TestExtractCallerID(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"Standart SIP URI", "sip:+905551234567@1.2.3.4", "+905551234567"},
		{"Artı işaretsiz SIP URI", "sip:905551234567@1.2.3.4", "905551234567"},
		{"Geçersiz format", "not-a-sip-uri", ""},
		{"Boş string", "", ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, extractCallerID(tc.input))
		})
	}
}

func TestHandleCallStarted_StartsCall(t *testing.T) {
	h := newTestHandler()
	h.locker.On("AcquireStartLock", mock.Anything, "call-1").Return(true, nil)
	h.calls.On("StartCall", mock.Anything, mock.MatchedBy(func(s state.CallSession) bool {
		return s.CallID == "call-1" &&
			s.CallerAddress == "+905551234567" &&
			s.TenantID == "system" &&
			s.LanguageCode == "tr" &&
			s.Channel == "phone" &&
			s.TraceID != "" &&
			!s.StartedAt.IsZero()
	})).Return(nil)

	h.HandleRabbitMQMessage(event("call.started", "call-1"))

	mock.AssertExpectationsForObjects(t, h.calls, h.locker)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.processed.WithLabelValues("call.started")))
}

func TestHandleCallStarted_DuplicateIsDropped(t *testing.T) {
	h := newTestHandler()
	h.locker.On("AcquireStartLock", mock.Anything, "call-1").Return(false, nil)

	h.HandleRabbitMQMessage(event("call.started", "call-1"))

	h.calls.AssertNotCalled(t, "StartCall", mock.Anything, mock.Anything)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.failed.WithLabelValues("call.started", "duplicate")))
}

func TestHandleCallStarted_LockErrorStillStarts(t *testing.T) {
	h := newTestHandler()
	h.locker.On("AcquireStartLock", mock.Anything, "call-1").Return(false, errors.New("redis down"))
	h.calls.On("StartCall", mock.Anything, mock.Anything).Return(nil)

	h.HandleRabbitMQMessage(event("call.started", "call-1"))

	h.calls.AssertNumberOfCalls(t, "StartCall", 1)
}

func TestHandleCallStarted_AdmissionFailures(t *testing.T) {
	testCases := []struct {
		name   string
		err    error
		reason string
	}{
		{"Kapasite dolu", fmt.Errorf("call-1: %w", service.ErrCapacityExceeded), "capacity_exceeded"},
		{"Zaten aktif", service.ErrCallExists, "duplicate"},
		{"Kapanıyor", service.ErrClosed, "shutting_down"},
		{"Bilinmeyen", errors.New("boom"), "start_failed"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHandler()
			h.locker.On("AcquireStartLock", mock.Anything, "call-1").Return(true, nil)
			h.calls.On("StartCall", mock.Anything, mock.Anything).Return(tc.err)

			h.HandleRabbitMQMessage(event("call.started", "call-1"))

			assert.Equal(t, float64(1), testutil.ToFloat64(h.failed.WithLabelValues("call.started", tc.reason)))
		})
	}
}

func TestHandleCallEnded_EndsCall(t *testing.T) {
	h := newTestHandler()
	h.calls.On("EndCall", mock.Anything, "call-1").Return(&service.CallReport{
		Summary: conversation.Summary{CallID: "call-1", TurnCount: 2},
	}, nil)

	h.HandleRabbitMQMessage(event("call.ended", "call-1"))

	h.calls.AssertExpectations(t)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.processed.WithLabelValues("call.ended")))
}

func TestHandleCallEnded_UnknownCall(t *testing.T) {
	h := newTestHandler()
	h.calls.On("EndCall", mock.Anything, "call-1").Return(nil, service.ErrCallNotFound)

	h.HandleRabbitMQMessage(event("call.ended", "call-1"))

	assert.Equal(t, float64(1), testutil.ToFloat64(h.failed.WithLabelValues("call.ended", "unknown_call")))
}

func TestCallEndedBeforeStartedSuppressesStart(t *testing.T) {
	h := newTestHandler()
	h.calls.On("EndCall", mock.Anything, "call-1").Return(nil, service.ErrCallNotFound)

	h.HandleRabbitMQMessage(event("call.ended", "call-1"))
	h.HandleRabbitMQMessage(event("call.started", "call-1"))

	h.calls.AssertNotCalled(t, "StartCall", mock.Anything, mock.Anything)
	h.locker.AssertNotCalled(t, "AcquireStartLock", mock.Anything, mock.Anything)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.failed.WithLabelValues("call.started", "already_ended")))
}

func TestCallEndedWhileStartLockPendingEndsCall(t *testing.T) {
	h := newTestHandler()
	lockEntered := make(chan struct{})
	releaseLock := make(chan struct{})
	h.locker.On("AcquireStartLock", mock.Anything, "call-1").
		Run(func(mock.Arguments) {
			close(lockEntered)
			<-releaseLock
		}).
		Return(true, nil)
	h.calls.On("StartCall", mock.Anything, mock.Anything).Return(nil)
	h.calls.On("EndCall", mock.Anything, "call-1").Return(nil, service.ErrCallNotFound).Once()
	h.calls.On("EndCall", mock.Anything, "call-1").Return(&service.CallReport{
		Summary: conversation.Summary{CallID: "call-1"},
	}, nil).Once()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.HandleRabbitMQMessage(event("call.started", "call-1"))
	}()
	<-lockEntered
	h.HandleRabbitMQMessage(event("call.ended", "call-1"))
	close(releaseLock)
	<-done

	h.calls.AssertNumberOfCalls(t, "StartCall", 1)
	h.calls.AssertNumberOfCalls(t, "EndCall", 2)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.failed.WithLabelValues("call.ended", "unknown_call")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.failed.WithLabelValues("call.started", "already_ended")))
}

func TestEndedMemoryExpires(t *testing.T) {
	h := newTestHandler()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }

	h.markEnded("call-1")
	assert.True(t, h.recentlyEnded("call-1"))

	now = now.Add(endedMemory + time.Second)
	assert.False(t, h.recentlyEnded("call-1"))

	h.markEnded("call-2")
	assert.NotContains(t, h.ended, "call-1")
}

func TestHandlePlaybackFinished(t *testing.T) {
	h := newTestHandler()
	h.calls.On("PlaybackFinished", "call-1").Return()

	h.HandleRabbitMQMessage(event("playback.finished", "call-1"))

	h.calls.AssertExpectations(t)
}

func TestHandleMalformedMessages(t *testing.T) {
	h := newTestHandler()

	h.HandleRabbitMQMessage([]byte("not-json"))
	h.HandleRabbitMQMessage([]byte(`{"eventType":"call.started"}`))

	assert.Equal(t, float64(1), testutil.ToFloat64(h.failed.WithLabelValues("unknown", "json_unmarshal")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.failed.WithLabelValues("call.started", "missing_call_id")))
	h.calls.AssertNotCalled(t, "StartCall", mock.Anything, mock.Anything)
}
