package orchestrator

import (
	"context"
	"fmt"

	"github.com/angelmondragon/painsync/pkg/logger"
)

// cronLogger routes scheduler diagnostics into the structured logger.
type cronLogger struct {
	logg *logger.Logger
	ctx  context.Context
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logg.Debug(l.with(keysAndValues), "scheduler: "+msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logg.Error(l.with(keysAndValues), "scheduler: "+msg, err)
}

func (l cronLogger) with(keysAndValues []any) context.Context {
	fields := make(map[string]any, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return l.logg.WithFields(l.ctx, fields)
}
