// Package logging builds the zap logger shared by the shard and router
// processes.
package logging

import "go.uber.org/zap"

// New builds a production zap logger, or a development logger (human
// readable, debug level) when debug is true.
func New(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
