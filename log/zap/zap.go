// Package zap adapts a zap logger to mctext.Logger.
package zap

import (
	"sort"

	"go.uber.org/zap"

	"github.com/pior/mctext"
)

var _ mctext.Logger = Logger{}

type Logger struct{ L *zap.Logger }

// New wraps l. Fields are emitted in key order.
func New(l *zap.Logger) Logger { return Logger{L: l} }

func (z Logger) Debug(msg string, f mctext.Fields) { z.L.Debug(msg, fields(f)...) }
func (z Logger) Info(msg string, f mctext.Fields)  { z.L.Info(msg, fields(f)...) }
func (z Logger) Warn(msg string, f mctext.Fields)  { z.L.Warn(msg, fields(f)...) }
func (z Logger) Error(msg string, f mctext.Fields) { z.L.Error(msg, fields(f)...) }

func fields(f mctext.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]zap.Field, 0, len(f))
	for _, k := range keys {
		if err, ok := f[k].(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, f[k]))
	}
	return out
}
