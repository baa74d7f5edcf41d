package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newQueued() *Session {
	return NewSession("s1", "u1", "hello", WorkflowExecution, "", time.Now())
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to SessionStatus
		want     bool
	}{
		{StatusQueued, StatusAnalyzing, true},
		{StatusQueued, StatusFailed, true},
		{StatusQueued, StatusCompleted, false},
		{StatusAnalyzing, StatusExecuting, true},
		{StatusAnalyzing, StatusFailed, true},
		{StatusAnalyzing, StatusQueued, false},
		{StatusExecuting, StatusExecuting, true},
		{StatusExecuting, StatusCompleted, true},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusFailed, false},
		{StatusFailed, StatusQueued, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestParseWorkflowKind(t *testing.T) {
	k, err := ParseWorkflowKind("")
	require.NoError(t, err)
	assert.Equal(t, WorkflowExecution, k)

	k, err = ParseWorkflowKind(" ANALYSIS ")
	require.NoError(t, err)
	assert.Equal(t, WorkflowAnalysis, k)

	_, err = ParseWorkflowKind("deploy")
	require.Error(t, err)
}

func TestApplyErrorWinsOverOtherFields(t *testing.T) {
	s := newQueued()
	ev := ProgressEvent{
		Kind:         EventKindError,
		Status:       StatusCompleted,
		CurrentAgent: "x",
		Progress:     Percent(100),
		FinalResult:  "ignored",
		Error:        "boom",
	}
	require.True(t, s.Apply(ev, time.Now()))
	assert.Equal(t, StatusFailed, s.Status)
	assert.Equal(t, "boom", s.ErrorMessage)
	assert.Empty(t, s.FinalResult)
	assert.NotNil(t, s.CompletedAt)
	assert.NotNil(t, s.StartedAt)
	assert.Equal(t, 0, s.Progress)
}

func TestApplyMergesFields(t *testing.T) {
	s := newQueued()
	now := time.Now()

	require.True(t, s.Apply(NewStatusEvent(StatusAnalyzing, "analyzing", "Query Analyzer", 25), now))
	assert.Equal(t, StatusAnalyzing, s.Status)
	assert.Equal(t, "Query Analyzer", s.CurrentAgent)
	assert.Equal(t, 25, s.Progress)
	require.NotNil(t, s.StartedAt)

	require.True(t, s.Apply(NewStatusEvent(StatusExecuting, "", "", 60), now))
	assert.Equal(t, "Query Analyzer", s.CurrentAgent, "absent agent keeps previous value")

	require.True(t, s.Apply(NewResultEvent("r1", 90, json.RawMessage(`{"n":1}`)), now))
	require.True(t, s.Apply(NewResultEvent("r2", 90, json.RawMessage(`{"n":2}`)), now))
	require.Len(t, s.IntermediateResults, 2)
	assert.JSONEq(t, `{"n":1}`, string(s.IntermediateResults[0]))
	assert.JSONEq(t, `{"n":2}`, string(s.IntermediateResults[1]))

	done := NewStatusEvent(StatusCompleted, "done", "", 100)
	done.FinalResult = "42"
	require.True(t, s.Apply(done, now))
	assert.Equal(t, StatusCompleted, s.Status)
	assert.Equal(t, "42", s.FinalResult)
	assert.Equal(t, 100, s.Progress)
	assert.NotNil(t, s.CompletedAt)
}

func TestApplyIgnoresProgressRegression(t *testing.T) {
	s := newQueued()
	s.Apply(NewStatusEvent(StatusAnalyzing, "", "", 40), time.Now())
	changed := s.Apply(ProgressEvent{Kind: EventKindStatus, Progress: Percent(10)}, time.Now())
	assert.False(t, changed)
	assert.Equal(t, 40, s.Progress)
}

func TestApplyIgnoresInvalidTransition(t *testing.T) {
	s := newQueued()
	changed := s.Apply(ProgressEvent{Kind: EventKindStatus, Status: StatusCompleted, CurrentAgent: "a"}, time.Now())
	assert.True(t, changed)
	assert.Equal(t, StatusQueued, s.Status)
	assert.Equal(t, "a", s.CurrentAgent)
}

func TestApplyFailedStatusWithoutErrorRecordsMessage(t *testing.T) {
	s := newQueued()
	require.True(t, s.Apply(ProgressEvent{Kind: EventKindStatus, Status: StatusFailed}, time.Now()))
	assert.Equal(t, StatusFailed, s.Status)
	assert.Equal(t, DefaultFailureMessage, s.ErrorMessage)
}

func TestApplyKeepaliveIsNoop(t *testing.T) {
	s := newQueued()
	assert.False(t, s.Apply(NewKeepaliveEvent(), time.Now()))
}

func TestCompleteWalksStateMachine(t *testing.T) {
	s := newQueued()
	require.True(t, s.Complete("", time.Now()))
	assert.Equal(t, StatusCompleted, s.Status)
	assert.Equal(t, DefaultFinalResult, s.FinalResult)
	assert.Equal(t, 100, s.Progress)
	assert.False(t, s.Complete("again", time.Now()))
	assert.False(t, s.Fail("late", time.Now()))
	assert.Equal(t, DefaultFinalResult, s.FinalResult)
	assert.Empty(t, s.ErrorMessage)
}

func TestCloneIsDeep(t *testing.T) {
	s := newQueued()
	s.Apply(NewResultEvent("", 90, json.RawMessage(`{"a":1}`)), time.Now())
	c := s.Clone()
	c.IntermediateResults[0][2] = 'b'
	c.Status = StatusFailed
	assert.JSONEq(t, `{"a":1}`, string(s.IntermediateResults[0]))
	assert.NotEqual(t, c.Status, s.Status)
}

func TestSnapshotFrame(t *testing.T) {
	s := newQueued()
	s.Fail("bad", time.Now())
	f := SnapshotFrame(s, time.Now())
	assert.True(t, f.IsTerminal())
	assert.Equal(t, "bad", f.ErrorMessage)
	assert.Empty(t, f.FinalResult)

	raw, err := json.Marshal(f)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"errorMessage":"bad"`)
}

func genEvent() *rapid.Generator[ProgressEvent] {
	statuses := []SessionStatus{"", StatusQueued, StatusAnalyzing, StatusExecuting, StatusCompleted, StatusFailed}
	kinds := []EventKind{EventKindStatus, EventKindResult, EventKindError, EventKindKeepalive}
	return rapid.Custom(func(t *rapid.T) ProgressEvent {
		ev := ProgressEvent{
			Kind:   rapid.SampledFrom(kinds).Draw(t, "kind"),
			Status: rapid.SampledFrom(statuses).Draw(t, "status"),
		}
		if rapid.Bool().Draw(t, "has_progress") {
			ev.Progress = Percent(rapid.IntRange(0, 100).Draw(t, "progress"))
		}
		if rapid.Bool().Draw(t, "has_agent") {
			ev.CurrentAgent = rapid.StringMatching(`[a-z]{1,8}`).Draw(t, "agent")
		}
		if rapid.IntRange(0, 3).Draw(t, "has_result") == 0 {
			ev.IntermediateResult = json.RawMessage(`{"k":1}`)
		}
		if rapid.IntRange(0, 4).Draw(t, "has_final") == 0 {
			ev.FinalResult = rapid.StringMatching(`[a-z]{1,8}`).Draw(t, "final")
		}
		if ev.Kind == EventKindError || rapid.IntRange(0, 9).Draw(t, "has_error") == 0 {
			ev.Error = rapid.StringMatching(`[a-z]{1,8}`).Draw(t, "error")
		}
		return ev
	})
}

func TestPropertyTerminalStateIsFinal(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := newQueued()
		events := rapid.SliceOfN(genEvent(), 0, 30).Draw(rt, "events")
		var frozen *Session
		for _, ev := range events {
			s.Apply(ev, time.Now())
			if frozen == nil && s.Status.IsTerminal() {
				frozen = s.Clone()
			}
		}
		if frozen == nil {
			return
		}
		if s.Status != frozen.Status || s.FinalResult != frozen.FinalResult || s.ErrorMessage != frozen.ErrorMessage {
			rt.Fatalf("terminal session mutated: %+v -> %+v", frozen, s)
		}
		if (s.FinalResult == "") == (s.ErrorMessage == "") && s.Status == StatusFailed {
			rt.Fatalf("failed session must carry only an error message: %+v", s)
		}
		if s.Status == StatusFailed && s.FinalResult != "" {
			rt.Fatalf("failed session has final result: %+v", s)
		}
	})
}

func TestPropertyProgressNeverRegresses(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := newQueued()
		events := rapid.SliceOfN(genEvent(), 0, 30).Draw(rt, "events")
		last := s.Progress
		for _, ev := range events {
			s.Apply(ev, time.Now())
			if s.Progress < last {
				rt.Fatalf("progress regressed from %d to %d", last, s.Progress)
			}
			last = s.Progress
		}
	})
}

func TestPropertyStatusFollowsStateMachine(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := newQueued()
		events := rapid.SliceOfN(genEvent(), 0, 30).Draw(rt, "events")
		prev := s.Status
		for _, ev := range events {
			s.Apply(ev, time.Now())
			if s.Status != prev && !CanTransition(prev, s.Status) {
				rt.Fatalf("invalid transition %s -> %s", prev, s.Status)
			}
			prev = s.Status
		}
	})
}
