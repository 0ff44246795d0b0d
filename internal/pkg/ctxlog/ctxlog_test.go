package ctxlog

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromContext_Default(t *testing.T) {
	assert.Same(t, slog.Default(), FromContext(context.Background()))
}

func TestWith(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))
	ctx := WithLogger(context.Background(), base.With("request_id", "r1"))

	ctx, logger := With(ctx, "user", "staff/42")
	logger.Info("approved")
	FromContext(ctx).Info("again")

	out := buf.String()
	assert.Equal(t, 2, bytes.Count(buf.Bytes(), []byte("request_id=r1 user=staff/42")), out)
}
