package dkf

import (
	"io"
	"log"

	"github.com/banshee-data/trackfit/internal/monitoring"
)

const logPrefix = "[DKF] "

var (
	opsLogger   *log.Logger
	diagLogger  *log.Logger
	traceLogger *log.Logger
)

// SetLogWriters configures the three logging streams for the dkf package.
// Pass nil for any writer to disable that stream. With no ops writer set,
// ops messages go to monitoring.Logf.
func SetLogWriters(ops, diag, trace io.Writer) {
	opsLogger = newLogger(logPrefix, ops)
	diagLogger = newLogger(logPrefix, diag)
	traceLogger = newLogger(logPrefix, trace)
}

func newLogger(prefix string, w io.Writer) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, prefix, log.LstdFlags|log.Lmicroseconds)
}

// opsf logs to the ops stream (failed fits, numerical breakdowns).
func opsf(format string, args ...interface{}) {
	if opsLogger != nil {
		opsLogger.Printf(format, args...)
		return
	}
	monitoring.Logf(logPrefix+format, args...)
}

// diagf logs to the diag stream (per-fit summaries, outlier decisions).
func diagf(format string, args ...interface{}) {
	if diagLogger != nil {
		diagLogger.Printf(format, args...)
	}
}

// tracef logs to the trace stream (per-node filter telemetry).
func tracef(format string, args ...interface{}) {
	if traceLogger != nil {
		traceLogger.Printf(format, args...)
	}
}
