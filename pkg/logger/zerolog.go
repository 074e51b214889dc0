package logger

import (
	"fmt"

	"github.com/rs/zerolog"
)

type zerologLogger struct {
	zl zerolog.Logger
}

// NewZerolog adapts a zerolog.Logger to Logger.
func NewZerolog(zl zerolog.Logger) Logger {
	return &zerologLogger{zl: zl}
}

func (l *zerologLogger) Error(msg string, args ...any) { emit(l.zl.Error(), msg, args) }
func (l *zerologLogger) Warn(msg string, args ...any)  { emit(l.zl.Warn(), msg, args) }
func (l *zerologLogger) Info(msg string, args ...any)  { emit(l.zl.Info(), msg, args) }
func (l *zerologLogger) Debug(msg string, args ...any) { emit(l.zl.Debug(), msg, args) }

func emit(e *zerolog.Event, msg string, args []any) {
	if e == nil {
		return
	}
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		if i+1 >= len(args) {
			e = e.Interface("!BADKEY", key)
			break
		}
		if err, isErr := args[i+1].(error); isErr {
			e = e.AnErr(key, err)
			continue
		}
		e = e.Interface(key, args[i+1])
	}
	e.Msg(msg)
}
