package horizon

import (
	"errors"
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	h, err := Parse(" Weekly ")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if h != Weekly {
		t.Errorf("expected weekly, got %s", h)
	}

	if _, err := Parse("hourly"); !errors.Is(err, ErrUnknownHorizon) {
		t.Errorf("expected ErrUnknownHorizon, got %v", err)
	}
}

func TestStageGating(t *testing.T) {
	cases := []struct {
		h                      Horizon
		cluster, assoc, forget bool
	}{
		{Daily, false, false, false},
		{Weekly, true, true, false},
		{Monthly, true, true, true},
		{Quarterly, true, false, true},
		{Yearly, false, false, true},
	}
	for _, c := range cases {
		if c.h.Clusters() != c.cluster || c.h.Associates() != c.assoc || c.h.Forgets() != c.forget {
			t.Errorf("%s: gating mismatch cluster=%v assoc=%v forget=%v",
				c.h, c.h.Clusters(), c.h.Associates(), c.h.Forgets())
		}
	}
}

func TestCutoff(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	if !Monthly.Cutoff(now).IsZero() {
		t.Error("monthly should not restrict by age")
	}
	want := now.Add(-90 * 24 * time.Hour)
	if got := Quarterly.Cutoff(now); !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if Monthly.BroadDeletion() || !Yearly.BroadDeletion() {
		t.Error("only quarterly and yearly allow broad deletion")
	}
}
