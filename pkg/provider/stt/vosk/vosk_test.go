package vosk_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/MrWong99/livescribe/pkg/provider/stt"
	"github.com/MrWong99/livescribe/pkg/provider/stt/vosk"
)

// testModelPath returns the Vosk model directory for integration tests from
// VOSK_MODEL_PATH, skipping the test when unset.
func testModelPath(t *testing.T) string {
	t.Helper()
	p := os.Getenv("VOSK_MODEL_PATH")
	if p == "" {
		t.Skip("VOSK_MODEL_PATH not set; skipping vosk test")
	}
	return p
}

func TestLoad_EmptyModel_ReturnsError(t *testing.T) {
	_, err := (&vosk.Loader{}).Load(context.Background(), stt.ModelConfig{SampleRate: 16000})
	if !errors.Is(err, stt.ErrNoModel) {
		t.Fatalf("err = %v, want ErrNoModel", err)
	}
}

func TestLoad_InvalidPath_ReturnsError(t *testing.T) {
	_, err := (&vosk.Loader{}).Load(context.Background(), stt.ModelConfig{
		Model:      "/nonexistent/vosk-model",
		SampleRate: 16000,
	})
	if err == nil {
		t.Fatal("expected error for invalid model path, got nil")
	}
}

func TestRecognizer_Lifecycle(t *testing.T) {
	modelPath := testModelPath(t)
	rec, err := (&vosk.Loader{}).Load(context.Background(), stt.ModelConfig{Model: modelPath, SampleRate: 16000})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	silence := make([]byte, 3200)
	for range 10 {
		if err := rec.AcceptAudio(silence); err != nil {
			t.Fatalf("AcceptAudio: %v", err)
		}
	}
	if _, err := rec.Partial(); err != nil {
		t.Fatalf("Partial: %v", err)
	}
	if _, err := rec.Final(); err != nil {
		t.Fatalf("Final: %v", err)
	}
	rec.Reset()

	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := rec.AcceptAudio(silence); err == nil {
		t.Error("AcceptAudio after Close: expected error")
	}
}
