// Package logging sets up the process-global zap logger once at startup,
// the way the teacher's store.New called zap.NewProduction() inline —
// pulled out of the entry point into its own package. cmd/conregd is its
// only caller.
package logging

import "go.uber.org/zap"

// Init builds and installs the global zap logger. debug selects a
// development encoder (human-readable, DebugLevel) over the default
// production JSON encoder.
func Init(debug bool) (*zap.Logger, error) {
	var logger *zap.Logger
	var err error
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}
