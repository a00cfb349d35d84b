// Package logrus adapts a logrus entry to mctext.Logger.
package logrus

import (
	"github.com/sirupsen/logrus"

	"github.com/pior/mctext"
)

var _ mctext.Logger = Logger{}

type Logger struct{ E *logrus.Entry }

// New wraps a logrus logger.
func New(l *logrus.Logger) Logger { return Logger{E: logrus.NewEntry(l)} }

func (l Logger) Debug(msg string, f mctext.Fields) { l.E.WithFields(logrus.Fields(f)).Debug(msg) }
func (l Logger) Info(msg string, f mctext.Fields)  { l.E.WithFields(logrus.Fields(f)).Info(msg) }
func (l Logger) Warn(msg string, f mctext.Fields)  { l.E.WithFields(logrus.Fields(f)).Warn(msg) }
func (l Logger) Error(msg string, f mctext.Fields) { l.E.WithFields(logrus.Fields(f)).Error(msg) }
