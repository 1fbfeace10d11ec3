package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_RecordAndRecall(t *testing.T) {
	t.Run("Should record a decision to the study layer only", func(t *testing.T) {
		company := t.TempDir()
		study := t.TempDir()
		s, err := Open(company, study)
		require.NoError(t, err)

		err = s.RecordDecision(Decision{
			Variable:  "RACE",
			OptionID:  "all-other-supplemental",
			Rationale: "closest match unresolved",
			Source:    SourceHuman,
			Timestamp: time.Now(),
			StudyID:   "STUDY001",
			Domain:    "dm",
		})
		require.NoError(t, err)

		reopened, err := Open(company, study)
		require.NoError(t, err)
		decisions := reopened.RecentDecisions("RACE")
		require.Len(t, decisions, 1)
		assert.Equal(t, SourceHuman, decisions[0].Source)
		assert.NotEmpty(t, decisions[0].ID, "RecordDecision should assign a uuid when the caller left ID empty")
	})

	t.Run("Should increment occurrence count for a repeated pitfall", func(t *testing.T) {
		s, err := Open(t.TempDir(), t.TempDir())
		require.NoError(t, err)

		p := Pitfall{Context: "date-imputation", RootCause: "mixed formats", Resolution: "normalize first", StudyID: "S1", Domain: "dm"}
		require.NoError(t, s.RecordPitfall(p))
		require.NoError(t, s.RecordPitfall(p))

		candidates := s.PromotionCandidates()
		require.Len(t, candidates, 1)
		assert.Equal(t, 2, candidates[0].OccurrenceCount)
		assert.NotEmpty(t, candidates[0].ID)
	})

	t.Run("Should not surface a single-occurrence pitfall as a promotion candidate", func(t *testing.T) {
		s, err := Open(t.TempDir(), t.TempDir())
		require.NoError(t, err)
		require.NoError(t, s.RecordPitfall(Pitfall{Context: "x", RootCause: "y"}))
		assert.Empty(t, s.PromotionCandidates())
	})

	t.Run("Should move a pitfall to the company layer on ApprovePromotion", func(t *testing.T) {
		company := t.TempDir()
		study := t.TempDir()
		s, err := Open(company, study)
		require.NoError(t, err)

		p := Pitfall{Context: "c", RootCause: "r", OccurrenceCount: 2}
		require.NoError(t, s.RecordPitfall(p))
		require.NoError(t, s.ApprovePromotion(p))

		assert.Empty(t, s.PromotionCandidates())

		reopened, err := Open(company, study)
		require.NoError(t, err)
		assert.Len(t, reopened.RelevantPitfalls("c"), 1)
	})
}
