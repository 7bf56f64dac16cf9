// Copyright The Windlass Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License"). You may
// not use this file except in compliance with the License. A copy of the
// License is located at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// or in the "license" file accompanying this file. This file is distributed
// on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either
// express or implied. See the License for the specific language governing
// permissions and limitations under the License.

package logger

// log is the package-level singleton that Get and New return
var log Logger

// Fields Type to pass when we want to call WithFields for structured logging
type Fields map[string]interface{}

// Logger is our contract for the logger
type Logger interface {
	Debugf(format string, args ...interface{})

	Debug(format string)

	Infof(format string, args ...interface{})

	Info(format string)

	Warnf(format string, args ...interface{})

	Warn(format string)

	Errorf(format string, args ...interface{})

	Error(format string)

	Fatalf(format string, args ...interface{})

	WithFields(keyValues Fields) Logger
}

// Get returns the singleton logger, initializing it from the environment on
// first use.
func Get() Logger {
	if log == nil {
		log = LoadLogConfig().newZapLogger()
	}
	return log
}

// New initializes the logger from the given configuration and installs it as
// the singleton.
func New(inputLogConfig *Configuration) Logger {
	log = inputLogConfig.newZapLogger()
	return log
}
