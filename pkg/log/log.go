// Copyright 2024 The Diosix Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log is the kernel's debug channel. Subsystems tag their output
// with a component name; fatal conditions dump a stack trace before
// halting the caller.
package log

import (
	"runtime"

	"github.com/sirupsen/logrus"
)

var logger = logrus.New()

func init() {
	logger.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
	})
	logger.SetLevel(logrus.InfoLevel)
}

// SetLevel adjusts verbosity; the simulator wires this to its config.
func SetLevel(level logrus.Level) {
	logger.SetLevel(level)
}

// Component returns a tagged entry for ad-hoc structured logging.
func Component(name string) *logrus.Entry {
	return logger.WithField("component", name)
}

// Bootf reports boot-time progress.
func Bootf(component, format string, args ...interface{}) {
	logger.WithField("component", component).Infof(format, args...)
}

// Debugf reports routine kernel chatter.
func Debugf(component, format string, args ...interface{}) {
	logger.WithField("component", component).Debugf(format, args...)
}

// Koopsf reports a should-never-happen condition with a stack trace. The
// caller carries on; use Panicf when the system cannot.
func Koopsf(component, format string, args ...interface{}) {
	entry := logger.WithField("component", component)
	entry.Errorf(format, args...)
	entry.Error(stack())
}

// Panicf dumps state and halts the current cpu: the unrecoverable path
// for stack underflows, executive death and corrupted heap magic.
func Panicf(component, format string, args ...interface{}) {
	entry := logger.WithField("component", component)
	entry.Errorf(format, args...)
	entry.Error(stack())
	entry.Panicf(format, args...)
}

func stack() string {
	buf := make([]byte, 16384)
	return string(buf[:runtime.Stack(buf, false)])
}
