package log

import "github.com/sirupsen/logrus"

type (
	Level         = logrus.Level
	Fields        = logrus.Fields
	Entry         = logrus.Entry
	TextFormatter = logrus.TextFormatter
)

const (
	PanicLevel = logrus.PanicLevel
	FatalLevel = logrus.FatalLevel
	ErrorLevel = logrus.ErrorLevel
	WarnLevel  = logrus.WarnLevel
	InfoLevel  = logrus.InfoLevel
	DebugLevel = logrus.DebugLevel
	TraceLevel = logrus.TraceLevel
)

var (
	SetFormatter = logrus.SetFormatter
	SetLevel     = logrus.SetLevel
	GetLevel     = logrus.GetLevel
	SetOutput    = logrus.SetOutput
	WithField    = logrus.WithField
	WithFields   = logrus.WithFields
	WithError    = logrus.WithError

	Debug  = logrus.Debug
	Debugf = logrus.Debugf
	Info   = logrus.Info
	Infof  = logrus.Infof
	Warn   = logrus.Warn
	Warnf  = logrus.Warnf
	Error  = logrus.Error
	Errorf = logrus.Errorf
	Fatal  = logrus.Fatal
	Fatalf = logrus.Fatalf
)

// ParseLevel accepts the level names understood by logrus (debug, info, warn, ...).
func ParseLevel(name string) (Level, error) {
	return logrus.ParseLevel(name)
}
