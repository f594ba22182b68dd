// Package logging builds the zap loggers used by the daemon and the CLI.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Enabled reports whether SLURMGO_DEBUG=1 is set.
func Enabled() bool {
	return os.Getenv("SLURMGO_DEBUG") == "1"
}

type Options struct {
	Debug bool
	JSON  bool
	// Level overrides Debug when set ("debug", "info", "warn", "error").
	Level  string
	Output io.Writer
}

func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Debug || Enabled() {
		level = zapcore.DebugLevel
	}
	if s := strings.TrimSpace(opts.Level); s != "" {
		parsed, err := zapcore.ParseLevel(s)
		if err != nil {
			return nil, err
		}
		level = parsed
	}
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if opts.JSON {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(out)), level)
	return zap.New(core), nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// Limiter lets one message per key through every interval.
type Limiter struct {
	interval time.Duration
	now      func() time.Time

	mu    sync.Mutex
	last  map[string]time.Time
	sweep time.Time
}

func NewLimiter(interval time.Duration) *Limiter {
	return &Limiter{
		interval: interval,
		now:      time.Now,
		last:     make(map[string]time.Time),
	}
}

func (l *Limiter) Allow(key string) bool {
	if l == nil || key == "" {
		return false
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if last, ok := l.last[key]; ok && now.Sub(last) < l.interval {
		return false
	}
	l.last[key] = now
	if now.Sub(l.sweep) > 2*l.interval {
		for k, ts := range l.last {
			if now.Sub(ts) > 4*l.interval {
				delete(l.last, k)
			}
		}
		l.sweep = now
	}
	return true
}

// Debug logs msg at debug level when key has not been logged within the
// limiter interval.
func (l *Limiter) Debug(log *zap.Logger, key, msg string, fields ...zap.Field) {
	if log == nil || !log.Core().Enabled(zapcore.DebugLevel) {
		return
	}
	if !l.Allow(key) {
		return
	}
	log.Debug(msg, fields...)
}
