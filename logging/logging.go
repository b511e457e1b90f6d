package logging

import (
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Setup builds a logger that writes every record to stdout and appends the
// same record to outFile. The returned close func flushes and closes the
// file.
func Setup(outFile string) (*zap.Logger, func(), error) {
	if dir := filepath.Dir(outFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, errors.Wrapf(err, "create log directory %s", dir)
		}
	}
	f, err := os.OpenFile(outFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open log file %s", outFile)
	}

	log := New(zapcore.Lock(os.Stdout), zapcore.AddSync(f))
	closeFn := func() {
		_ = log.Sync()
		_ = f.Close()
	}
	return log, closeFn, nil
}

// New returns an info-level console logger teed to every sink
func New(sinks ...zapcore.WriteSyncer) *zap.Logger {
	config := zap.NewProductionEncoderConfig()
	config.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format("2006-01-02 15:04:05"))
	}
	config.EncodeLevel = zapcore.CapitalLevelEncoder
	encoder := zapcore.NewConsoleEncoder(config)

	cores := make([]zapcore.Core, len(sinks))
	for i, s := range sinks {
		cores[i] = zapcore.NewCore(encoder, s, zapcore.InfoLevel)
	}
	return zap.New(zapcore.NewTee(cores...))
}

// Timed runs fn and, when it succeeds, logs "[name] done in <s> s" with the
// duration rounded to two decimals.
func Timed(log *zap.Logger, name string, fn func() error) error {
	start := time.Now()
	if err := fn(); err != nil {
		return err
	}
	secs := math.Round(time.Since(start).Seconds()*100) / 100
	log.Sugar().Infof("[%s] done in %s s", name, strconv.FormatFloat(secs, 'f', -1, 64))
	return nil
}
