package model

import "testing"

func TestStage_IsAfter(t *testing.T) {
	if !StageAnalyzed.IsAfter(StageDownloaded) {
		t.Error("analyzed should be after downloaded")
	}
	if StageDownloaded.IsAfter(StageAnalyzed) {
		t.Error("downloaded should not be after analyzed")
	}
	if StageInitialized.IsAfter(StageInitialized) {
		t.Error("a stage is not strictly after itself")
	}
	if StageFailed.IsAfter(StageCompleted) {
		t.Error("failed never compares as after anything")
	}
	if StageCompleted.IsAfter(StageFailed) {
		t.Error("nothing compares as after failed")
	}
}

func TestStage_TextRoundTrip(t *testing.T) {
	for stage := StageInitialized; stage <= StageFailed; stage++ {
		text, err := stage.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%v): %v", stage, err)
		}

		var got Stage
		if err := got.UnmarshalText(text); err != nil {
			t.Fatalf("UnmarshalText(%q): %v", text, err)
		}
		if got != stage {
			t.Errorf("round trip = %v, want %v", got, stage)
		}
	}
}

func TestStage_UnmarshalText_Invalid(t *testing.T) {
	var s Stage
	if err := s.UnmarshalText([]byte("bogus")); err == nil {
		t.Error("expected error for unknown stage name")
	}
}
