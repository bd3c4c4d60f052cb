package pebble

import (
	"fmt"

	"github.com/rs/zerolog"
)

// logger routes pebble's internal logging onto zerolog.
type logger struct {
	l zerolog.Logger
}

func (l logger) Infof(format string, args ...interface{}) {
	l.l.Info().Msgf(format, args...)
}

func (l logger) Errorf(format string, args ...interface{}) {
	l.l.Error().Msgf(format, args...)
}

// Fatalf must not return. zerolog skips its exit hook when the level is
// disabled, so panic explicitly.
func (l logger) Fatalf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.l.Error().Msg(msg)
	panic(msg)
}
