package logging

// Printf-style helpers used across the relay. Call sites follow the
// "pkg.Type.method msg key=value" convention.

func Tracef(format string, args ...any) {
	l := Logger()
	l.Trace().Msgf(format, args...)
}

func Debugf(format string, args ...any) {
	l := Logger()
	l.Debug().Msgf(format, args...)
}

func Infof(format string, args ...any) {
	l := Logger()
	l.Info().Msgf(format, args...)
}

func Warnf(format string, args ...any) {
	l := Logger()
	l.Warn().Msgf(format, args...)
}

func Errorf(format string, args ...any) {
	l := Logger()
	l.Error().Msgf(format, args...)
}

// Logf writes at info level without a level prefix; tests use it for
// progress lines.
func Logf(format string, args ...any) {
	l := Logger()
	l.Log().Msgf(format, args...)
}
