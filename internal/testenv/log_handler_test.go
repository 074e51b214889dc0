package testenv

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func ExampleNewLogHandler() {
	log := slog.New(NewLogHandler(WithIgnoreDebug()))

	log.Info("design staged", "database", "shop", "design", "_design/Invoice")
	log.Debug("dropped")
	log.Warn("activation conflict", "database", "shop")

	// Output:
	// [0] INFO: design staged database=shop, design=_design/Invoice
	// [1] WARN: activation conflict database=shop
}

func TestLogHandlerIgnoreKeysAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewLogHandler(WithOutput(&buf), WithIgnoreKeys("run"))).With("op", "cleanup")

	log.Info("run started", "run", "5f1c", "workers", 2)
	log.Error("unit failed", "run", "5f1c")

	assert.Equal(t, "[0] INFO: run started op=cleanup, workers=2\n[1] ERROR: unit failed op=cleanup\n", buf.String())
}
