package traceutil

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestTraceID(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	ctx := context.Background()
	re.Empty(TraceID(ctx))

	id := New()
	_, err := uuid.Parse(id)
	re.NoError(err)
	re.NotEqual(id, New())

	ctx = SetTraceID(ctx, id)
	re.Equal(id, TraceID(ctx))
	re.Equal("other", TraceID(SetTraceID(ctx, "other")))
}
