package monitor

import (
	"fmt"

	rcron "github.com/robfig/cron/v3"

	lifecycle "github.com/goliatone/go-lifecycle"
)

// loggerAdapter adapts the lifecycle Logger to robfig/cron's logger.
type loggerAdapter struct {
	logger lifecycle.Logger
}

func (l *loggerAdapter) Info(msg string, args ...interface{}) {
	l.logger.Debug("cron %s %v", msg, args)
}

func (l *loggerAdapter) Error(err error, msg string, args ...interface{}) {
	l.logger.Error("cron %s %v: %v", msg, args, err)
}

// errorHandlerAdapter forwards cron errors, including recovered panics, to an error callback.
type errorHandlerAdapter struct {
	handler func(error)
}

func (e *errorHandlerAdapter) Info(string, ...interface{}) {}

func (e *errorHandlerAdapter) Error(err error, msg string, args ...interface{}) {
	if e.handler == nil {
		return
	}
	if err == nil {
		err = fmt.Errorf("%s %v", msg, args)
	}
	e.handler(err)
}

func newCron(logger lifecycle.Logger, onError func(error)) *rcron.Cron {
	cronLogger := &loggerAdapter{logger: logger}
	return rcron.New(
		rcron.WithLogger(cronLogger),
		rcron.WithChain(
			rcron.Recover(&errorHandlerAdapter{handler: onError}),
			rcron.SkipIfStillRunning(cronLogger),
		),
	)
}
