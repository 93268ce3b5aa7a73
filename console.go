package jsrunner

import (
	"github.com/joeycumines/logiface"
)

// logPrinter writes script console output to the runner's logger.
type logPrinter struct {
	logger *logiface.Logger[logiface.Event]
}

func (p *logPrinter) Log(s string) {
	p.logger.Info().Str(`source`, `console`).Log(s)
}

func (p *logPrinter) Warn(s string) {
	p.logger.Warning().Str(`source`, `console`).Log(s)
}

func (p *logPrinter) Error(s string) {
	p.logger.Err().Str(`source`, `console`).Log(s)
}
