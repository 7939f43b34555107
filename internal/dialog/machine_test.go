package dialog

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepClock struct{ t time.Time }

func (c *stepClock) Now() time.Time          { return c.t }
func (c *stepClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestMachine_StartsInListening(t *testing.T) {
	m := NewMachine("call-1")
	assert.Equal(t, PhaseListening, m.Current())
	assert.Empty(t, m.History())
}

func TestMachine_TransitionTable(t *testing.T) {
	for _, from := range Phases {
		for _, to := range Phases {
			want := from != to
			assert.Equal(t, want, IsValidTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestMachine_InvalidTransitionLeavesPhaseUnchanged(t *testing.T) {
	m := NewMachine("call-1")
	var rejected []Phase
	m.OnReject(func(from, to Phase, trigger string) { rejected = append(rejected, to) })

	ok := m.Transition(PhaseListening, "noop", nil)

	assert.False(t, ok)
	assert.Equal(t, PhaseListening, m.Current())
	assert.Equal(t, uint64(1), m.Stats().Invalid)
	assert.Equal(t, uint64(0), m.Stats().Transitions)
	assert.Equal(t, []Phase{PhaseListening}, rejected)
	assert.Empty(t, m.History())
}

func TestMachine_InvalidTransitionLoggedAtDebug(t *testing.T) {
	var buf bytes.Buffer
	m := NewMachine("call-1", WithLogger(zerolog.New(&buf).Level(zerolog.InfoLevel)))

	require.False(t, m.Transition(PhaseListening, "noop", nil))
	assert.Empty(t, buf.String())

	buf.Reset()
	m = NewMachine("call-1", WithLogger(zerolog.New(&buf).Level(zerolog.DebugLevel)))
	require.False(t, m.Transition(PhaseListening, "noop", nil))
	assert.Contains(t, buf.String(), `"level":"debug"`)
	assert.Contains(t, buf.String(), `"trigger":"noop"`)
}

func TestMachine_RandomTriggersTrackLastAcceptedDestination(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	m := NewMachine("call-prop", WithHistoryCap(10_000))
	expected := PhaseListening
	accepted := 0

	for i := 0; i < 2000; i++ {
		to := Phases[rnd.Intn(len(Phases))]
		before := m.Current()
		if m.Transition(to, "random", nil) {
			expected = to
			accepted++
		} else {
			assert.Equal(t, before, m.Current())
		}
		require.Equal(t, expected, m.Current())
	}
	assert.Len(t, m.History(), accepted)
}

func TestMachine_HooksAndObserversRunAfterTransition(t *testing.T) {
	m := NewMachine("call-1")
	var seen []string
	m.OnEnter(PhaseProcessing, func(tr Transition) error {
		seen = append(seen, "enter:"+tr.Trigger)
		assert.Equal(t, PhaseProcessing, m.Current())
		return nil
	})
	m.Observe(func(tr Transition) { seen = append(seen, "observe:"+string(tr.From)+">"+string(tr.To)) })

	require.True(t, m.Transition(PhaseProcessing, "speech_end", map[string]string{"confidence": "0.91"}))

	assert.Equal(t, []string{"enter:speech_end", "observe:LISTENING>PROCESSING"}, seen)
	h := m.History()
	require.Len(t, h, 1)
	assert.Equal(t, "0.91", h[0].Metadata["confidence"])
	assert.False(t, h[0].Forced)
}

func TestMachine_FailingHooksAreIsolated(t *testing.T) {
	m := NewMachine("call-1")
	secondRan := false
	observed := 0
	m.OnEnter(PhaseSpeaking, func(Transition) error { panic("kanca patladı") })
	m.OnEnter(PhaseSpeaking, func(Transition) error { return errors.New("kanca hatası") })
	m.OnEnter(PhaseSpeaking, func(Transition) error { secondRan = true; return nil })
	m.Observe(func(Transition) { panic("gözlemci patladı") })
	m.Observe(func(Transition) { observed++ })

	ok := m.Transition(PhaseSpeaking, "greeting", nil)

	assert.True(t, ok)
	assert.Equal(t, PhaseSpeaking, m.Current())
	assert.True(t, secondRan)
	assert.Equal(t, 1, observed)
}

func TestMachine_HookMayTriggerNextTransition(t *testing.T) {
	m := NewMachine("call-1")
	var seen []string
	m.OnEnter(PhaseProcessing, func(Transition) error {
		seen = append(seen, "enter:PROCESSING")
		require.True(t, m.Transition(PhaseSpeaking, "response_ready", nil))
		// Geçiş kaydedildi, kancaları henüz çalışmadı.
		assert.Equal(t, PhaseSpeaking, m.Current())
		seen = append(seen, "enter:PROCESSING:done")
		return nil
	})
	m.OnEnter(PhaseSpeaking, func(Transition) error {
		seen = append(seen, "enter:SPEAKING")
		return nil
	})
	m.Observe(func(tr Transition) { seen = append(seen, "observe:"+string(tr.From)+">"+string(tr.To)) })

	m.Transition(PhaseProcessing, "speech_end", nil)

	assert.Equal(t, PhaseSpeaking, m.Current())
	assert.Len(t, m.History(), 2)
	assert.Equal(t, []string{
		"enter:PROCESSING",
		"enter:PROCESSING:done",
		"observe:LISTENING>PROCESSING",
		"enter:SPEAKING",
		"observe:PROCESSING>SPEAKING",
	}, seen)
}

func TestMachine_ObserversSeeTransitionsInOrderAcrossGoroutines(t *testing.T) {
	m := NewMachine("call-1")
	var mu sync.Mutex
	var observed []Transition
	m.Observe(func(tr Transition) {
		mu.Lock()
		observed = append(observed, tr)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				for _, p := range Phases {
					m.Transition(p, "load", nil)
				}
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, int(m.Stats().Transitions), len(observed))
	for i := 1; i < len(observed); i++ {
		assert.Equal(t, observed[i-1].To, observed[i].From, "gözlemci sırası bozuldu: %d", i)
	}
}

func TestMachine_ForceTransitionBypassesTable(t *testing.T) {
	m := NewMachine("call-1")
	var observed []Transition
	m.Observe(func(tr Transition) { observed = append(observed, tr) })

	tr := m.ForceTransition(PhaseListening, "recover")

	assert.Equal(t, PhaseListening, tr.From)
	assert.True(t, tr.Forced)
	assert.Equal(t, uint64(1), m.Stats().Transitions)
	require.Len(t, observed, 1)
	assert.True(t, observed[0].Forced)
}

func TestMachine_TemporaryPhaseRestoresOnSuccessErrorAndPanic(t *testing.T) {
	m := NewMachine("call-1")

	err := m.WithTemporaryPhase(PhaseSpeaking, "announcement", func() error {
		assert.Equal(t, PhaseSpeaking, m.Current())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, PhaseListening, m.Current())

	boom := errors.New("oynatma hatası")
	err = m.WithTemporaryPhase(PhaseProcessing, "lookup", func() error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, PhaseListening, m.Current())

	assert.Panics(t, func() {
		_ = m.WithTemporaryPhase(PhaseSpeaking, "announcement", func() error { panic("beklenmeyen") })
	})
	assert.Equal(t, PhaseListening, m.Current())
}

func TestMachine_TemporaryPhaseRestoresEvenAfterInnerTransition(t *testing.T) {
	m := NewMachine("call-1")
	require.True(t, m.Transition(PhaseProcessing, "speech_end", nil))

	err := m.WithTemporaryPhase(PhaseSpeaking, "filler", func() error {
		m.Transition(PhaseListening, "playback_complete", nil)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, PhaseProcessing, m.Current())
}

func TestMachine_TemporaryPhaseRestoresToPhaseItLeft(t *testing.T) {
	m := NewMachine("call-1", WithHistoryCap(100000))
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 5000; i++ {
			select {
			case <-stop:
				return
			default:
			}
			for _, p := range Phases {
				m.Transition(p, "background", nil)
			}
		}
	}()

	for i := 0; i < 200; i++ {
		_ = m.WithTemporaryPhase(PhaseSpeaking, fmt.Sprintf("temp-%d", i), func() error { return nil })
	}
	close(stop)
	wg.Wait()

	entered := map[string]Phase{}
	for _, tr := range m.History() {
		entered[tr.Trigger] = tr.From
	}
	for _, tr := range m.History() {
		trigger, isRestore := strings.CutSuffix(tr.Trigger, ":restore")
		if !isRestore {
			continue
		}
		from, ok := entered[trigger]
		if !ok {
			continue
		}
		assert.Equal(t, from, tr.To, tr.Trigger)
	}
}

func TestMachine_TemporaryPhaseRejectedEntry(t *testing.T) {
	m := NewMachine("call-1")
	ran := false
	err := m.WithTemporaryPhase(PhaseListening, "noop", func() error { ran = true; return nil })
	assert.ErrorIs(t, err, ErrTransitionRejected)
	assert.False(t, ran)
}

func TestMachine_HistoryIsBounded(t *testing.T) {
	m := NewMachine("call-1", WithHistoryCap(3))
	m.Transition(PhaseProcessing, "t1", nil)
	m.Transition(PhaseSpeaking, "t2", nil)
	m.Transition(PhaseListening, "t3", nil)
	m.Transition(PhaseProcessing, "t4", nil)
	m.ForceTransition(PhaseListening, "t5")

	h := m.History()
	require.Len(t, h, 3)
	assert.Equal(t, "t3", h[0].Trigger)
	assert.Equal(t, "t5", h[2].Trigger)
	assert.Equal(t, uint64(5), m.Stats().Transitions)
}

func TestMachine_TimeInPhaseAccumulates(t *testing.T) {
	clock := &stepClock{t: time.Unix(1700000000, 0)}
	m := NewMachine("call-1", WithClock(clock.Now))

	clock.Advance(2 * time.Second)
	m.Transition(PhaseProcessing, "speech_end", nil)
	clock.Advance(500 * time.Millisecond)
	m.Transition(PhaseSpeaking, "response_ready", nil)
	clock.Advance(3 * time.Second)
	m.Transition(PhaseListening, "playback_complete", nil)
	clock.Advance(time.Second)

	st := m.Stats()
	assert.Equal(t, 3*time.Second, st.TimeInPhase[PhaseListening])
	assert.Equal(t, 500*time.Millisecond, st.TimeInPhase[PhaseProcessing])
	assert.Equal(t, 3*time.Second, st.TimeInPhase[PhaseSpeaking])
	assert.Equal(t, PhaseListening, st.Current)
}

func TestMachine_ResetKeepsHooks(t *testing.T) {
	m := NewMachine("call-1")
	entered := 0
	m.OnEnter(PhaseProcessing, func(Transition) error { entered++; return nil })
	m.Transition(PhaseProcessing, "speech_end", nil)

	m.Reset()
	assert.Equal(t, PhaseListening, m.Current())
	assert.Empty(t, m.History())

	m.Transition(PhaseProcessing, "speech_end", nil)
	assert.Equal(t, 2, entered)
}
