package main

import (
	"os"

	"github.com/SanjoDeundiak/flame-shooter/pkg/lib/config"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// initLogger installs the global logger. Logs go to the configured file,
// or to stderr so that stdout only carries the progress markers.
func initLogger(cfg config.LogConfig) (*zap.Logger, error) {
	logCfg := &log.Config{
		Level:  cfg.Level,
		Format: "text",
		File:   log.FileLogConfig{Filename: cfg.File},
	}

	var (
		lg    *zap.Logger
		props *log.ZapProperties
		err   error
	)
	if cfg.File != "" {
		lg, props, err = log.InitLogger(logCfg)
	} else {
		stderr := zapcore.Lock(os.Stderr)
		lg, props, err = log.InitLoggerWithWriteSyncer(logCfg, stderr, stderr)
	}
	if err != nil {
		return nil, errors.Annotate(err, "init logger failed")
	}
	log.ReplaceGlobals(lg, props)
	return log.L(), nil
}
