package whisper_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/MrWong99/livescribe/pkg/provider/stt"
	"github.com/MrWong99/livescribe/pkg/provider/stt/whisper"
)

// testModelPath returns the path to a whisper model for integration tests.
// It reads from the WHISPER_MODEL_PATH environment variable. If unset the
// test is skipped.
func testModelPath(t *testing.T) string {
	t.Helper()
	p := os.Getenv("WHISPER_MODEL_PATH")
	if p == "" {
		t.Skip("WHISPER_MODEL_PATH not set; skipping native whisper test")
	}
	return p
}

func TestLoad_EmptyModel_ReturnsError(t *testing.T) {
	_, err := whisper.NewLoader().Load(context.Background(), stt.ModelConfig{SampleRate: whisper.SampleRate})
	if !errors.Is(err, stt.ErrNoModel) {
		t.Fatalf("err = %v, want ErrNoModel", err)
	}
}

func TestLoad_WrongSampleRate_ReturnsError(t *testing.T) {
	_, err := whisper.NewLoader().Load(context.Background(), stt.ModelConfig{Model: "model.bin", SampleRate: 8000})
	if err == nil {
		t.Fatal("expected error for unsupported sample rate, got nil")
	}
}

func TestLoad_InvalidPath_ReturnsError(t *testing.T) {
	_, err := whisper.NewLoader().Load(context.Background(), stt.ModelConfig{
		Model:      "/nonexistent/path/to/model.bin",
		SampleRate: whisper.SampleRate,
	})
	if err == nil {
		t.Fatal("expected error for invalid model path, got nil")
	}
}

func TestLoad_CancelledContext_ReturnsError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := whisper.NewLoader().Load(ctx, stt.ModelConfig{Model: "model.bin", SampleRate: whisper.SampleRate})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestRecognizer_SilenceYieldsNoPanic(t *testing.T) {
	modelPath := testModelPath(t)
	rec, err := whisper.NewLoader(whisper.WithThreads(2)).Load(context.Background(), stt.ModelConfig{
		Model:      modelPath,
		Language:   "en",
		SampleRate: whisper.SampleRate,
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer rec.Close()

	// One second of silence.
	if err := rec.AcceptAudio(make([]byte, whisper.SampleRate*2)); err != nil {
		t.Fatalf("AcceptAudio: %v", err)
	}
	if _, err := rec.Partial(); err != nil {
		t.Fatalf("Partial: %v", err)
	}
	if _, err := rec.Final(); err != nil {
		t.Fatalf("Final: %v", err)
	}

	// Final cleared the utterance; a second Final has nothing to transcribe.
	text, err := rec.Final()
	if err != nil || text != "" {
		t.Fatalf("second Final = %q, %v; want empty", text, err)
	}
}

func TestRecognizer_ShortBufferSkipsInference(t *testing.T) {
	modelPath := testModelPath(t)
	rec, err := whisper.NewLoader().Load(context.Background(), stt.ModelConfig{
		Model:      modelPath,
		SampleRate: whisper.SampleRate,
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer rec.Close()

	_ = rec.AcceptAudio(make([]byte, 64))
	text, err := rec.Partial()
	if err != nil || text != "" {
		t.Fatalf("Partial = %q, %v; want empty", text, err)
	}
	rec.Reset()
}
