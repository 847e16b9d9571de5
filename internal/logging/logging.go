// Package logging provides one named zap.SugaredLogger per package, the
// same convention kopia's cli package uses:
// "var log = logging.Module("kopia/cli")".
package logging

import (
	"os"
	"sync"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu   sync.Mutex
	base *zap.Logger
	atom = zap.NewAtomicLevelAt(zap.InfoLevel)
)

// SetLevel adjusts the level of every logger previously or subsequently
// obtained from Module.
func SetLevel(lvl zapcore.Level) {
	atom.SetLevel(lvl)
}

// Module returns a named *zap.SugaredLogger. Production builds encode JSON;
// when stdout is a terminal (detected via mattn/go-isatty, matching kopia's
// own terminal-vs-pipe detection in cli_progress.go) a human-readable
// console encoder is used instead.
func Module(name string) *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()

	if base == nil {
		base = newBaseLogger()
	}

	return base.Named(name).Sugar()
}

func newBaseLogger() *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if isatty.IsTerminal(os.Stdout.Fd()) {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewConsoleEncoder(cfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), atom)

	return zap.New(core)
}
