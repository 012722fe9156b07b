package align

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionTracker_PutGetList(t *testing.T) {
	st := NewSessionTracker()
	assert.Equal(t, 0, st.Len())

	now := time.Now()
	st.Put(&PipelineResult{ID: "b", AtlasVersion: 2, CompletedAt: now,
		Registration: &RegistrationResult{Confidence: 0.8, AffineOnly: true},
		Extraction:   &Extraction{Polygons: []Polygon{{}, {}}},
		Excision:     &ExcisionGeometry{Shapes: []ExcisionShape{{}}},
		Warnings:     []Warning{{Kind: WarnLowConfidence}},
	})
	st.Put(&PipelineResult{ID: "a"})

	res, ok := st.Get("b")
	require.True(t, ok)
	assert.Equal(t, 2, res.AtlasVersion)
	_, ok = st.Get("missing")
	assert.False(t, ok)

	list := st.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.False(t, list[0].Exported)
	assert.Equal(t, SessionSummary{
		ID: "b", AtlasVersion: 2, Confidence: 0.8, AffineOnly: true,
		Polygons: 2, Shapes: 1, Warnings: 1, Exported: true, UpdatedAt: now,
	}, list[1])
}

func TestSummarizeResult_RotationAndEdits(t *testing.T) {
	edits := EditLog{}.
		Append(Edit{Source: EditAuto, Pixels: []PixelAssignment{{X: 1, Y: 1, Region: 2}}}).
		Append(Edit{Source: EditManual, Pixels: []PixelAssignment{{X: 2, Y: 1, Region: 2}}}).
		Append(Edit{Source: EditManual, Pixels: []PixelAssignment{{X: 3, Y: 1, Region: 0}}})
	res := &PipelineResult{
		ID:    "r",
		Edits: edits,
		Registration: &RegistrationResult{
			Transform: Transform{Affine: MultiplyMatrices(Translation(4, 1), RotationDeg(-12))},
		},
	}

	s := SummarizeResult(res)
	assert.Equal(t, 3, s.Edits)
	assert.Equal(t, 2, s.ManualEdits)
	assert.InDelta(t, -12, s.RotationDeg, 1e-9)
}

func TestSessionTracker_PersistsEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache", "edits.json")
	st := NewSessionTrackerWithCache(path)

	st.Put(&PipelineResult{ID: "plain"})
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "results without edits are not cached")

	edits := EditLog{}.Append(Edit{Source: EditManual, Note: "trim", Pixels: []PixelAssignment{{X: 3, Y: 4, Region: 2}}})
	st.Put(&PipelineResult{ID: "s1", Edits: edits})
	assert.Equal(t, edits, st.Edits("s1"))

	reloaded := NewSessionTrackerWithCache(path)
	assert.Equal(t, 0, reloaded.Len())
	assert.Equal(t, edits, reloaded.Edits("s1"))
	assert.Empty(t, reloaded.Edits("plain").Edits)
}

func TestEditCache_Errors(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadEditCache(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0644))
	_, err = LoadEditCache(bad)
	assert.Error(t, err)

	empty := filepath.Join(dir, "null.json")
	require.NoError(t, os.WriteFile(empty, []byte("null"), 0644))
	edits, err := LoadEditCache(empty)
	require.NoError(t, err)
	assert.NotNil(t, edits)

	st := NewSessionTrackerWithCache(bad)
	assert.Empty(t, st.Edits("anything").Edits)
}
