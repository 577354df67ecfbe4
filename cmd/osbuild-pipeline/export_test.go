package main

import (
	"github.com/sirupsen/logrus"
	logrusTest "github.com/sirupsen/logrus/hooks/test"

	"github.com/jbtrystram/osbuild/internal/stage"
)

var (
	Run         = run
	ExitCode    = exitCode
	ParseConfig = parseConfig
)

func MockLogger() (hook *logrusTest.Hook, restore func()) {
	saved := logrusNew
	logger, hook := logrusTest.NewNullLogger()
	logrusNew = func() *logrus.Logger {
		return logger
	}
	logger.SetLevel(logrus.DebugLevel)

	return hook, func() {
		logrusNew = saved
	}
}

func MockRegistry(new func() *stage.Registry) (restore func()) {
	saved := newRegistry
	newRegistry = new
	return func() {
		newRegistry = saved
	}
}
