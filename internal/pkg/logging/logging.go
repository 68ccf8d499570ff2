package logging

import (
	"context"
	"fmt"
	"os"
	"path"

	stdlog "log"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

/*
 *  Provides request and diagnostics logging facilities
 */

type ctxID int

const (
	txnIDKey ctxID = iota
	correlationIDKey
)

// WithTxnID returns a context which knows its transaction ID
func WithTxnID(ctx context.Context, txnID string) context.Context {
	return context.WithValue(ctx, txnIDKey, txnID)
}

// WithCorrelationID returns a context carrying the caller's correlation ID
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

type logger struct {
	logger  *logrus.Entry
	logFile *os.File
}

// The one singleton logger
var gLogger logger
var gInstanceID string

// Logger returns the global logger, with the request IDs found in ctx
func Logger(ctx context.Context) *logrus.Entry {
	if ctx == nil {
		return gLogger.logger
	}

	fields := logrus.Fields{}
	if txnID, ok := ctx.Value(txnIDKey).(string); ok {
		fields["txnid"] = txnID
	}
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		fields["correlation"] = id
	}

	if len(fields) == 0 {
		return gLogger.logger
	}
	return gLogger.logger.WithFields(fields)
}

func init() {
	// Viper defaults
	viper.SetDefault("logging.location", "stderr")
	viper.SetDefault("logging.format", "text")
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.timestamps", true)

	// The app instantiation ID
	gInstanceID = uuid.New().String()

	gLogger.logger = logrus.WithFields(baseFields())
}

func baseFields() logrus.Fields {
	return logrus.Fields{
		"pid":      os.Getpid(),
		"exe":      path.Base(os.Args[0]),
		"instance": gInstanceID,
	}
}

// Configure sets the log level and output location/format
func Configure(cfg *viper.Viper) error {
	gLogger.logger = logrus.WithFields(baseFields())

	// Configure system log location
	switch loc := cfg.GetString("logging.location"); loc {
	case "stdout":
		logrus.SetOutput(os.Stdout)
	case "stderr":
		logrus.SetOutput(os.Stderr)
	default:
		file, err := os.OpenFile(loc, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err == nil {
			gLogger.logger.Debugf("Switching system log to %s", loc)
			logrus.SetOutput(file)

			if gLogger.logFile != nil {
				gLogger.logFile.Close()
			}

			gLogger.logFile = file
		} else {
			return err
		}
	}

	// Obey the level setting in the config if not already in debug mode
	if !logrus.IsLevelEnabled(logrus.DebugLevel) {
		level := cfg.GetString("logging.level")
		val, err := logrus.ParseLevel(level)
		if err == nil {
			logrus.SetLevel(val)
		} else {
			return fmt.Errorf("bad log level: [%s]", level)
		}
	}

	switch format := cfg.GetString("logging.format"); format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{
			DisableTimestamp: !cfg.GetBool("logging.timestamps"),
		})
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:    true,
			DisableTimestamp: !cfg.GetBool("logging.timestamps"),
		})
	default:
		return fmt.Errorf("bad log format: [%s]", format)
	}

	// Override the standard system logger
	stdlog.SetOutput(Logger(nil).WriterLevel(logrus.DebugLevel))

	return nil
}
