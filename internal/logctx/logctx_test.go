package logctx

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func TestFromContext_NilContext(t *testing.T) {
	// FromContext(nil) should return default logger, not panic
	logger := FromContext(nil)

	var buf bytes.Buffer
	testLogger := logger.Output(&buf)
	testLogger.Info().Msg("test")

	if buf.Len() == 0 {
		t.Error("expected logger to produce output")
	}
}

func TestFromContext_ContextWithoutLogger(t *testing.T) {
	logger := FromContext(context.Background())

	var buf bytes.Buffer
	testLogger := logger.Output(&buf)
	testLogger.Info().Msg("test")

	if buf.Len() == 0 {
		t.Error("expected logger to produce output")
	}
}

func TestWithLogger_AndFromContext(t *testing.T) {
	var buf bytes.Buffer
	customLogger := zerolog.New(&buf).With().Str("custom", "field").Logger()

	ctx := WithLogger(context.Background(), customLogger)
	log := FromContext(ctx)
	log.Info().Msg("test")

	if !strings.Contains(buf.String(), `"custom":"field"`) {
		t.Errorf("expected custom field in output, got: %s", buf.String())
	}
}

func TestWithRun(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithRun(context.Background(), zerolog.New(&buf))

	id := RunID(ctx)
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("RunID = %q is not a uuid: %v", id, err)
	}

	log := FromContext(ctx)
	log.Info().Msg("started")
	if !strings.Contains(buf.String(), `"run_id":"`+id+`"`) {
		t.Errorf("expected run_id in output, got: %s", buf.String())
	}
}

func TestRunID_OutsideRun(t *testing.T) {
	if id := RunID(context.Background()); id != "" {
		t.Errorf("RunID = %q, want empty", id)
	}
}

func TestWithImage(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), zerolog.New(&buf))
	ctx = WithImage(ctx, "abc123", "20221027-120131")

	log := FromContext(ctx)
	log.Info().Msg("loading")

	out := buf.String()
	if !strings.Contains(out, `"image_hash":"abc123"`) {
		t.Errorf("missing image_hash: %s", out)
	}
	if !strings.Contains(out, `"image_tag":"20221027-120131"`) {
		t.Errorf("missing image_tag: %s", out)
	}
}

func TestWithStr(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), zerolog.New(&buf))
	ctx = WithStr(ctx, "phase", "diff")

	log := FromContext(ctx)
	log.Info().Msg("x")

	if !strings.Contains(buf.String(), `"phase":"diff"`) {
		t.Errorf("missing phase: %s", buf.String())
	}
}

func TestSetDefaultLogger(t *testing.T) {
	prev := DefaultLogger()
	t.Cleanup(func() { SetDefaultLogger(prev) })

	var buf bytes.Buffer
	SetDefaultLogger(zerolog.New(&buf).With().Str("command", "ingest").Logger())

	log := FromContext(context.Background())
	log.Info().Msg("no logger in context")

	if !strings.Contains(buf.String(), `"command":"ingest"`) {
		t.Errorf("expected default logger output, got: %s", buf.String())
	}
}
