// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

package statementdistribution

import (
	"os"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().
	Timestamp().
	Str("subsystem", "statement-distribution").
	Logger()

// SetLogger replaces the package logger, typically to attach the host's
// output and level configuration.
func SetLogger(l zerolog.Logger) {
	logger = l.With().Str("subsystem", "statement-distribution").Logger()
}
