package delta

import (
	"context"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/chorus-llm/chorus/runtime/orchestrator/telemetry"
)

func newTestTracker() *Tracker {
	return NewTracker(telemetry.NoopLogger{})
}

func TestDeltaFirstSnapshotEmitsFull(t *testing.T) {
	tr := newTestTracker()
	key := Key("s1", "p1")

	out, emit := tr.Delta(context.Background(), key, "Hello, world")
	require.True(t, emit)
	require.Equal(t, "Hello, world", out)
}

func TestDeltaEmptyFirstSnapshotIsNoop(t *testing.T) {
	tr := newTestTracker()
	key := Key("s1", "p1")

	out, emit := tr.Delta(context.Background(), key, "")
	require.False(t, emit)
	require.Empty(t, out)
	require.Zero(t, tr.Len())
}

func TestDeltaAppendEmitsSuffix(t *testing.T) {
	tr := newTestTracker()
	key := Key("s1", "p1")
	ctx := context.Background()

	_, _ = tr.Delta(ctx, key, "Hello")
	out, emit := tr.Delta(ctx, key, "Hello, world")
	require.True(t, emit)
	require.Equal(t, ", world", out)
}

func TestDeltaIdenticalSnapshotIsNoop(t *testing.T) {
	tr := newTestTracker()
	key := Key("s1", "p1")
	ctx := context.Background()

	_, _ = tr.Delta(ctx, key, "Hello")
	out, emit := tr.Delta(ctx, key, "Hello")
	require.False(t, emit)
	require.Empty(t, out)
}

func TestDeltaDivergenceEmitsFromDivergencePoint(t *testing.T) {
	tr := newTestTracker()
	key := Key("s1", "p1")
	ctx := context.Background()

	// Shared prefix "abcde" covers exactly 50% of the prior ten characters,
	// below the 70% append threshold.
	_, _ = tr.Delta(ctx, key, "abcdefghij")
	out, emit := tr.Delta(ctx, key, "abcdeXYZXYZXYZ")
	require.True(t, emit)
	require.Equal(t, "XYZXYZXYZ", out)
}

func TestDeltaShorterDivergentSnapshotEmitsFromDivergencePoint(t *testing.T) {
	tr := newTestTracker()
	key := Key("s1", "p1")
	ctx := context.Background()

	// Shared prefix of 5 over a prior of 10 is a rewrite, not a retraction:
	// the divergent tail must reach the client even though the snapshot shrank.
	_, _ = tr.Delta(ctx, key, "0123456789")
	out, emit := tr.Delta(ctx, key, "01234XYZ")
	require.True(t, emit)
	require.Equal(t, "XYZ", out)

	// The rewrite was remembered, so growth from it is a plain append.
	out, emit = tr.Delta(ctx, key, "01234XYZ!")
	require.True(t, emit)
	require.Equal(t, "!", out)
}

func TestDeltaEqualLengthDivergentSnapshotEmits(t *testing.T) {
	tr := newTestTracker()
	key := Key("s1", "p1")
	ctx := context.Background()

	_, _ = tr.Delta(ctx, key, "abcdef")
	out, emit := tr.Delta(ctx, key, "abcxyz")
	require.True(t, emit)
	require.Equal(t, "xyz", out)
}

func TestDeltaAppendThresholdBoundary(t *testing.T) {
	ctx := context.Background()

	// Exactly at the threshold: prefix of 7 over a prior of 10 counts as append.
	tr := newTestTracker()
	key := Key("s1", "p1")
	_, _ = tr.Delta(ctx, key, "abcdefghij")
	out, emit := tr.Delta(ctx, key, "abcdefgXXXXX")
	require.True(t, emit)
	require.Equal(t, "XX", out)

	// Just below: a prefix of 6 re-emits from the divergence point.
	tr = newTestTracker()
	_, _ = tr.Delta(ctx, key, "abcdefghij")
	out, emit = tr.Delta(ctx, key, "abcdefXXXXXX")
	require.True(t, emit)
	require.Equal(t, "XXXXXX", out)
}

func TestDeltaShrinkWithinTolerance(t *testing.T) {
	tr := newTestTracker()
	key := Key("s1", "p1")
	ctx := context.Background()

	long := strings.Repeat("a", 100)
	_, _ = tr.Delta(ctx, key, long)

	// Shrink by exactly 50: tolerated, shorter text is remembered.
	out, emit := tr.Delta(ctx, key, long[:50])
	require.False(t, emit)
	require.Empty(t, out)

	// The next longer snapshot supplies the delta relative to the shorter text.
	out, emit = tr.Delta(ctx, key, long[:50]+"tail")
	require.True(t, emit)
	require.Equal(t, "tail", out)
}

func TestDeltaShrinkBeyondToleranceLeavesStateUntouched(t *testing.T) {
	tr := newTestTracker()
	key := Key("s1", "p1")
	ctx := context.Background()

	long := strings.Repeat("a", 100)
	_, _ = tr.Delta(ctx, key, long)

	out, emit := tr.Delta(ctx, key, long[:49])
	require.False(t, emit)
	require.Empty(t, out)

	// State still holds the long snapshot, so re-sending it is a no-op.
	out, emit = tr.Delta(ctx, key, long)
	require.False(t, emit)
	require.Empty(t, out)
}

func TestClearSessionDropsOnlyThatSession(t *testing.T) {
	tr := newTestTracker()
	ctx := context.Background()

	_, _ = tr.Delta(ctx, Key("s1", "p1"), "one")
	_, _ = tr.Delta(ctx, Key("s1", "p2"), "two")
	_, _ = tr.Delta(ctx, Key("s2", "p1"), "three")
	require.Equal(t, 3, tr.Len())

	tr.ClearSession("s1")
	require.Equal(t, 1, tr.Len())

	// s2 state survived.
	out, emit := tr.Delta(ctx, Key("s2", "p1"), "three!")
	require.True(t, emit)
	require.Equal(t, "!", out)
}

// TestDeltaAppendReassemblyProperty verifies that for any monotonically growing
// snapshot series, concatenating the emitted deltas reproduces the final
// snapshot exactly.
func TestDeltaAppendReassemblyProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("concatenated deltas reproduce a growing snapshot", prop.ForAll(
		func(parts []string) bool {
			tr := newTestTracker()
			key := Key("prop", "p")
			ctx := context.Background()

			var snapshot strings.Builder
			var reassembled strings.Builder
			for _, part := range parts {
				snapshot.WriteString(part)
				out, emit := tr.Delta(ctx, key, snapshot.String())
				if emit {
					reassembled.WriteString(out)
				}
			}
			return reassembled.String() == snapshot.String()
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
