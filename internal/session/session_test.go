package session

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIsValidTransition_Table(t *testing.T) {
	tests := []struct {
		from  Tag
		to    Tag
		valid bool
	}{
		{TagIdle, TagTaskRunning, true},
		{TagIdle, TagError, true},
		{TagIdle, TagAnalyzing, false},
		{TagTaskRunning, TagAnalyzing, true},
		{TagTaskRunning, TagIdle, true},
		{TagTaskRunning, TagInjecting, false},
		{TagAnalyzing, TagInjecting, true},
		{TagAnalyzing, TagIdle, true},
		{TagAnalyzing, TagTaskRunning, false},
		{TagInjecting, TagTaskRunning, true},
		{TagInjecting, TagAnalyzing, false},
		{TagError, TagIdle, true},
		{TagError, TagTaskRunning, false},
		// error is reachable from every tag
		{TagIdle, TagError, true},
		{TagTaskRunning, TagError, true},
		{TagAnalyzing, TagError, true},
		{TagInjecting, TagError, true},
		{TagError, TagError, true},
	}

	for _, tt := range tests {
		got := IsValidTransition(tt.from, tt.to)
		require.Equal(t, tt.valid, got, "from=%s to=%s", tt.from, tt.to)
	}
}

func TestState_StartTaskStampsMetadata(t *testing.T) {
	s := New()
	require.NoError(t, s.StartTask("write tests"))

	v := s.View()
	require.Equal(t, TagTaskRunning, v.Tag)
	require.Equal(t, "write tests", v.Task)
	require.False(t, v.Start.IsZero())
}

func TestState_InvalidTransitionFails(t *testing.T) {
	s := New()
	err := s.Transition(TagAnalyzing)
	require.Error(t, err)

	var target *ErrInvalidTransition
	require.True(t, errors.As(err, &target))
	require.Equal(t, TagIdle, target.From)
	require.Equal(t, TagAnalyzing, target.To)
}

func TestState_ErrorFromAnyTag(t *testing.T) {
	s := New()
	require.NoError(t, s.StartTask("task"))
	require.NoError(t, s.BeginAnalyzing())
	require.NoError(t, s.BeginInjecting("echo hi"))

	s.SetError("worker crashed")

	v := s.View()
	require.Equal(t, TagError, v.Tag)
	require.Equal(t, TagInjecting, v.PreviousTag)
	require.Equal(t, "worker crashed", v.ErrorMessage)
}

func TestState_ResetOnlyFromError(t *testing.T) {
	s := New()
	err := s.Reset()
	require.Error(t, err)

	s.SetError("boom")
	require.NoError(t, s.Reset())
	require.Equal(t, TagIdle, s.Tag())
}

func TestState_RuntimeNeverStale(t *testing.T) {
	s := New()
	require.NoError(t, s.StartTask("slow task"))

	first := s.View().Runtime
	time.Sleep(5 * time.Millisecond)
	second := s.View().Runtime

	require.Greater(t, second, first)
}

func TestFormatRuntime(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{45 * time.Second, "45s"},
		{3*time.Minute + 12*time.Second, "3m12s"},
		{time.Hour + 4*time.Minute, "1h04m"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, FormatRuntime(tt.d))
	}
}
