package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseline/internal/domain"
)

func rule(id string, from, to domain.Phase, trigger domain.Trigger, types ...string) domain.TransitionRule {
	return domain.TransitionRule{ID: id, From: from, To: to, Trigger: trigger, MeetingTypes: types}
}

func TestNewRejectsBackwardRule(t *testing.T) {
	_, err := New([]domain.TransitionRule{
		rule("back", domain.PhaseReview, domain.PhasePreparation, domain.TriggerManual),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "moves backward")
}

func TestNewRejectsSelfLoop(t *testing.T) {
	_, err := New([]domain.TransitionRule{
		rule("loop", domain.PhaseReview, domain.PhaseReview, domain.TriggerManual),
	})
	require.Error(t, err)
}

func TestNewRejectsDuplicateIDs(t *testing.T) {
	_, err := New([]domain.TransitionRule{
		rule("dup", domain.PhasePaymentPending, domain.PhasePaymentCompleted, domain.TriggerPaymentCompleted),
		rule("dup", domain.PhasePreparation, domain.PhaseKickoffReady, domain.TriggerManual),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestNewRejectsUnknownPhase(t *testing.T) {
	_, err := New([]domain.TransitionRule{
		rule("bad", "limbo", domain.PhaseReview, domain.TriggerManual),
	})
	require.Error(t, err)
}

func TestNewRejectsAmbiguousMeetingTypeFilters(t *testing.T) {
	// Two meeting rules from the same phase whose filters overlap on "review".
	_, err := New([]domain.TransitionRule{
		rule("a", domain.PhaseInProgress, domain.PhaseReview, domain.TriggerMeetingCompleted, "review"),
		rule("b", domain.PhaseInProgress, domain.PhaseCompleted, domain.TriggerMeetingCompleted, "review", "retro"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ambiguous")
}

func TestNewRejectsUnfilteredOverlap(t *testing.T) {
	// A rule without a filter accepts everything, so it overlaps any other
	// rule for the same (from, trigger).
	_, err := New([]domain.TransitionRule{
		rule("any", domain.PhaseInProgress, domain.PhaseReview, domain.TriggerMeetingCompleted),
		rule("filtered", domain.PhaseInProgress, domain.PhaseCompleted, domain.TriggerMeetingCompleted, "review"),
	})
	require.Error(t, err)
}

func TestNewAllowsDisjointFilters(t *testing.T) {
	_, err := New([]domain.TransitionRule{
		rule("a", domain.PhaseInProgress, domain.PhaseReview, domain.TriggerMeetingCompleted, "review"),
		rule("b", domain.PhaseInProgress, domain.PhaseCompleted, domain.TriggerMeetingCompleted, "final"),
	})
	require.NoError(t, err)
}

func TestNewAllowsManualRulesToDifferentTargets(t *testing.T) {
	// Manual rules are keyed on the full (from, to) pair; two targets from
	// the same phase are fine.
	_, err := New([]domain.TransitionRule{
		rule("to-review", domain.PhaseInProgress, domain.PhaseReview, domain.TriggerManual),
		rule("to-completed", domain.PhaseInProgress, domain.PhaseCompleted, domain.TriggerManual),
	})
	require.NoError(t, err)
}

func TestFindIsExactMatch(t *testing.T) {
	r, err := New([]domain.TransitionRule{
		rule("ok", domain.PhasePreparation, domain.PhaseKickoffReady, domain.TriggerManual),
	})
	require.NoError(t, err)

	got, ok := r.Find(domain.PhasePreparation, domain.PhaseKickoffReady, domain.TriggerManual, "")
	require.True(t, ok)
	assert.Equal(t, "ok", got.ID)

	_, ok = r.Find(domain.PhasePreparation, domain.PhasePMAssigned, domain.TriggerManual, "")
	assert.False(t, ok, "wrong target must not match")

	_, ok = r.Find(domain.PhasePreparation, domain.PhaseKickoffReady, domain.TriggerSystem, "")
	assert.False(t, ok, "wrong trigger must not match")
}

func TestForTriggerMeetingTypeFilter(t *testing.T) {
	r, err := New([]domain.TransitionRule{
		rule("kickoff", domain.PhaseKickoffScheduled, domain.PhaseKickoffCompleted, domain.TriggerMeetingCompleted, "kickoff"),
	})
	require.NoError(t, err)

	_, ok := r.ForTrigger(domain.PhaseKickoffScheduled, domain.TriggerMeetingCompleted, "kickoff")
	assert.True(t, ok)

	_, ok = r.ForTrigger(domain.PhaseKickoffScheduled, domain.TriggerMeetingCompleted, "standup")
	assert.False(t, ok)

	// An empty meeting type never satisfies a filtered rule.
	_, ok = r.ForTrigger(domain.PhaseKickoffScheduled, domain.TriggerMeetingCompleted, "")
	assert.False(t, ok)
}

func TestForPhasePartitionsByAutoApply(t *testing.T) {
	auto := rule("auto", domain.PhasePaymentPending, domain.PhasePaymentCompleted, domain.TriggerPaymentCompleted)
	auto.AutoApply = true
	manual := rule("manual", domain.PhasePaymentPending, domain.PhasePaymentCompleted, domain.TriggerManual)

	r, err := New([]domain.TransitionRule{auto, manual})
	require.NoError(t, err)

	gotAuto, gotManual := r.ForPhase(domain.PhasePaymentPending)
	require.Len(t, gotAuto, 1)
	require.Len(t, gotManual, 1)
	assert.Equal(t, "auto", gotAuto[0].ID)
	assert.Equal(t, "manual", gotManual[0].ID)
}
