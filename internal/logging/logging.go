/*
Copyright (c) Meta Platforms, Inc. and its affiliates.
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
    http://www.apache.org/licenses/LICENSE-2.0
Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package logging sets up the process-wide logrus logger. All other
// packages import "github.com/sirupsen/logrus" directly and rely on this
// package having configured the default logger before they start logging.
package logging

import (
	"os"

	log "github.com/sirupsen/logrus"
)

// Configure sets the default log level. Default level is warn;
// --verbose raises it to info. A parseable level in HONEYBEEPF_LOG (or
// in RUST_LOG when HONEYBEEPF_LOG is unset) overrides both.
func Configure(verbose bool) {
	log.SetOutput(os.Stderr)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	level := log.WarnLevel
	if verbose {
		level = log.InfoLevel
	}

	if lv := envLogLevel(); lv != "" {
		if parsed, err := log.ParseLevel(lv); err == nil {
			level = parsed
		} else {
			log.Warnf("unrecognized log level %q, keeping %v", lv, level)
		}
	}

	log.SetLevel(level)
}

func envLogLevel() string {
	if v := os.Getenv("HONEYBEEPF_LOG"); v != "" {
		return v
	}
	return os.Getenv("RUST_LOG")
}
