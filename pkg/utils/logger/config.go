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

import (
	"os"
)

const (
	defaultLogFilePath = "/var/log/windlass/agent.log"
	defaultLogLevel    = "Debug"
	envLogLevel        = "WINDLASS_LOGLEVEL"
	envLogFilePath     = "WINDLASS_LOG_FILE"
)

// Configuration stores the config for the logger
type Configuration struct {
	LogLevel    string
	LogLocation string
}

// LoadLogConfig returns the log configuration
func LoadLogConfig() *Configuration {
	return &Configuration{
		LogLevel:    GetLogLevel(),
		LogLocation: GetLogLocation(),
	}
}

// GetLogLocation returns the log file path
func GetLogLocation() string {
	logFilePath := os.Getenv(envLogFilePath)
	if logFilePath == "" {
		logFilePath = defaultLogFilePath
	}
	return logFilePath
}

// GetLogLevel returns the log level
func GetLogLevel() string {
	logLevel := os.Getenv(envLogLevel)
	if logLevel == "" {
		return defaultLogLevel
	}
	return logLevel
}
