package experiment

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAssign_IsDeterministicForSameInputs(t *testing.T) {
	m := NewManager()
	m.Register(Definition{ID: "greeting_tone", Bands: []Band{
		{Variant: "warm", Start: 0, End: 50},
		{Variant: "control", Start: 50, End: 100},
	}})

	v1 := m.Assign("user-42", "greeting_tone", "sms")
	v2 := m.Assign("user-42", "greeting_tone", "sms")
	assert.Equal(t, v1, v2)
}

func TestAssign_UnregisteredExperimentReturnsControl(t *testing.T) {
	m := NewManager()
	assert.Equal(t, "control", m.Assign("user-1", "unknown", "sms"))
}

func TestAssign_ChannelNotInExperimentReturnsControl(t *testing.T) {
	m := NewManager()
	m.Register(Definition{
		ID:       "greeting_tone",
		Channels: []string{"sms"},
		Bands:    []Band{{Variant: "warm", Start: 0, End: 100}},
	})
	assert.Equal(t, "control", m.Assign("user-1", "greeting_tone", "email"))
	assert.Equal(t, "warm", m.Assign("user-1", "greeting_tone", "sms"))
}

func TestAssign_DistributesAcrossBandsOverManyUsers(t *testing.T) {
	m := NewManager()
	m.Register(Definition{ID: "greeting_tone", Bands: []Band{
		{Variant: "warm", Start: 0, End: 50},
		{Variant: "control", Start: 50, End: 100},
	}})

	counts := map[string]int{}
	for i := 0; i < 1000; i++ {
		userID := "user-" + strconv.Itoa(i)
		counts[m.Assign(userID, "greeting_tone", "")]++
	}
	assert.Greater(t, counts["warm"], 0)
	assert.Greater(t, counts["control"], 0)
}

func TestRecordOutcome_PausesExperimentAfterThresholdCrossed(t *testing.T) {
	m := NewManager()
	m.Register(Definition{
		ID:             "risky_flow",
		Bands:          []Band{{Variant: "treatment", Start: 0, End: 100}},
		ErrorWindow:    10,
		ErrorThreshold: 0.2,
	})

	for i := 0; i < 3; i++ {
		m.RecordOutcome("risky_flow", true)
	}
	for i := 0; i < 7; i++ {
		m.RecordOutcome("risky_flow", false)
	}

	assert.Equal(t, StatusPaused, m.StatusOf("risky_flow"))
	assert.Equal(t, "control", m.Assign("any-user", "risky_flow", ""))
}

func TestRecordOutcome_StaysActiveBelowThreshold(t *testing.T) {
	m := NewManager()
	m.Register(Definition{
		ID:             "risky_flow",
		Bands:          []Band{{Variant: "treatment", Start: 0, End: 100}},
		ErrorWindow:    10,
		ErrorThreshold: 0.2,
	})

	m.RecordOutcome("risky_flow", true)
	for i := 0; i < 9; i++ {
		m.RecordOutcome("risky_flow", false)
	}

	assert.Equal(t, StatusActive, m.StatusOf("risky_flow"))
}

func TestRollingCounter_OldOutcomesRollOffWindow(t *testing.T) {
	c := newRollingCounter(5)
	for i := 0; i < 5; i++ {
		c.record(true)
	}
	rate := c.record(false)
	rate = c.record(false)
	assert.Less(t, rate, 1.0)
}
