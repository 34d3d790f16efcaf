package telemetry

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestFromContext_RoundTrip(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ctx := WithLogger(context.Background(), logger)

	if got := FromContext(ctx); got != logger {
		t.Error("expected the logger stored in the context")
	}
}

func TestFromContext_FallsBackToDefault(t *testing.T) {
	if got := FromContext(context.Background()); got != slog.Default() {
		t.Error("expected the default logger for a bare context")
	}
}

func TestLoggerHelpers_AddAttrs(t *testing.T) {
	tests := []struct {
		name string
		with func(*slog.Logger) *slog.Logger
		want string
	}{
		{
			name: "queue",
			with: func(l *slog.Logger) *slog.Logger { return WithQueue(l, "jobs") },
			want: "queue=jobs",
		},
		{
			name: "exchange",
			with: func(l *slog.Logger) *slog.Logger { return WithExchange(l, "orders") },
			want: "exchange=orders",
		},
		{
			name: "consumer tag",
			with: func(l *slog.Logger) *slog.Logger { return WithConsumerTag(l, "tag-1") },
			want: "consumer_tag=tag-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, nil))

			tt.with(logger).Info("ping")

			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("expected %q in output, got %q", tt.want, buf.String())
			}
		})
	}
}
