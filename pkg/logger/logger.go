package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	Inst  *zap.SugaredLogger
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

func init() {
	conf := zap.NewProductionConfig()
	conf.Level = level
	l, err := conf.Build()
	if err != nil {
		panic(err)
	}
	Inst = l.Sugar()
}

// Init sets the level of Inst ("debug", "info", "warn", "error"). Inst itself
// is never replaced, so loggers captured earlier follow the new level.
func Init(lvl string) error {
	parsed := zapcore.InfoLevel
	if err := parsed.UnmarshalText([]byte(lvl)); err != nil {
		return err
	}
	level.SetLevel(parsed)
	return nil
}
