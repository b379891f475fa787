package registry

import (
	"testing"
)

func TestClassifyExplicitWins(t *testing.T) {
	r := New()

	// Explicit identifier overrides a conflicting filename.
	spec := r.Classify(TypeVideo, "frame_001.jpg", "image/jpeg")
	if spec.ID != TypeVideo {
		t.Errorf("expected video, got %s", spec.ID)
	}
}

func TestClassifyUnknownExplicitFallsThrough(t *testing.T) {
	r := New()

	spec := r.Classify("hologram", "frame_001.jpg", "")
	if spec.ID != TypeImages {
		t.Errorf("expected images via suffix, got %s", spec.ID)
	}
}

func TestClassifyBySuffix(t *testing.T) {
	tests := []struct {
		filename string
		want     TypeID
	}{
		{"camera_front.jpg", TypeImages},
		{"CAMERA_FRONT.JPG", TypeImages},
		{"session.mp4", TypeVideo},
		{"arm_joint.log", TypeLog},
		{"notes.md", TypeMarkdown},
		{"run.csv", TypeCSV},
		{"policy.safetensors", TypeSafetensors},
		{"run_telemetry.json", TypeTimeSeries},
		{"calibration.yaml", TypeParameters},
		{"mystery.bin", TypeFile},
		{"noextension", TypeFile},
	}

	r := New()
	for _, tt := range tests {
		spec := r.Classify("", tt.filename, "")
		if spec.ID != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.filename, spec.ID, tt.want)
		}
	}
}

func TestClassifyLongestSuffixWins(t *testing.T) {
	r := New()

	// "_telemetry.json" (time_series) is longer than ".config.json"
	// (parameters); both end in something matchable, the specific one wins.
	spec := r.Classify("", "robot_telemetry.json", "")
	if spec.ID != TypeTimeSeries {
		t.Errorf("expected time_series, got %s", spec.ID)
	}

	spec = r.Classify("", "arm.config.json", "")
	if spec.ID != TypeParameters {
		t.Errorf("expected parameters, got %s", spec.ID)
	}
}

func TestClassifyByMime(t *testing.T) {
	r := New()

	spec := r.Classify("", "", "audio/flac")
	if spec.ID != TypeAudio {
		t.Errorf("expected audio, got %s", spec.ID)
	}

	spec = r.Classify("", "", "application/x-nonexistent")
	if spec.ID != TypeFile {
		t.Errorf("expected file fallback, got %s", spec.ID)
	}
}

func TestClassifyTotality(t *testing.T) {
	r := New()

	// No input at all still resolves to exactly one spec.
	spec := r.Classify("", "", "")
	if spec == nil {
		t.Fatal("Classify returned nil")
	}
	if spec.ID != TypeFile {
		t.Errorf("expected fallback, got %s", spec.ID)
	}
}

func TestValidateSize(t *testing.T) {
	r := New()

	img := r.Lookup(TypeImages)
	if !ValidateSize(img, 10*mb) {
		t.Error("10MB image should pass")
	}
	if ValidateSize(img, 51*mb) {
		t.Error("51MB image should fail")
	}

	// Spec without a limit accepts anything.
	unlimited := &DataTypeSpec{ID: "test"}
	if !ValidateSize(unlimited, 1<<40) {
		t.Error("no limit should always pass")
	}
}

func TestBackendRouting(t *testing.T) {
	r := New()

	if !r.Lookup(TypeTimeSeries).Backend.WritesMetadata() {
		t.Error("time_series should write metadata")
	}
	if r.Lookup(TypeTimeSeries).Backend.WritesBlob() {
		t.Error("time_series should not write blob")
	}
	if !r.Lookup(TypeCSV).Backend.WritesMetadata() || !r.Lookup(TypeCSV).Backend.WritesBlob() {
		t.Error("csv should write both backends")
	}
	if !r.Lookup(TypeVideo).Backend.WritesBlob() {
		t.Error("video should write blob")
	}
}

func TestOneSpecPerID(t *testing.T) {
	r := New()

	seen := make(map[TypeID]bool)
	for _, spec := range r.All() {
		if seen[spec.ID] {
			t.Errorf("duplicate spec for %s", spec.ID)
		}
		seen[spec.ID] = true
	}
}
