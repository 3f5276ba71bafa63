package refmat

import (
	"math/rand"
	"testing"

	"github.com/23skdu/longbow-bodkin/internal/kernel"
)

func TestForward_MatchesNaive(t *testing.T) {
	testCases := []struct {
		name             string
		B, H, N, D       int
		causal           bool
	}{
		{"Small", 1, 1, 16, 8, false},
		{"MultiHead", 2, 4, 32, 16, false},
		{"Causal", 1, 2, 48, 16, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			size := tc.B * tc.H * tc.N * tc.D
			rng := rand.New(rand.NewSource(13))
			q := make([]float32, size)
			k := make([]float32, size)
			v := make([]float32, size)
			for i := 0; i < size; i++ {
				q[i] = rng.Float32()*2 - 1
				k[i] = rng.Float32()*2 - 1
				v[i] = rng.Float32()*2 - 1
			}

			o := make([]float32, size)
			if err := Forward(q, k, v, o, tc.B, tc.H, tc.N, tc.D, tc.causal); err != nil {
				t.Fatalf("Forward failed: %v", err)
			}

			ref := make([]float32, size)
			if err := kernel.NaiveForward(q, k, v, ref, tc.B, tc.H, tc.N, tc.D, tc.causal); err != nil {
				t.Fatalf("NaiveForward failed: %v", err)
			}

			maxRel := kernel.MaxRelDiff(ref, o)
			t.Logf("Max relative diff vs naive: %g", maxRel)
			if maxRel > 1e-4 {
				t.Errorf("Max relative diff %g exceeds 1e-4", maxRel)
			}
		})
	}
}

func TestForward_RejectsBadShapes(t *testing.T) {
	buf := make([]float32, 16)
	if err := Forward(buf, buf, buf, buf, 0, 1, 4, 4, false); err == nil {
		t.Error("Expected error for zero batch")
	}
	if err := Forward(buf[:8], buf, buf, buf, 1, 1, 4, 4, false); err == nil {
		t.Error("Expected error for short buffer")
	}
}
