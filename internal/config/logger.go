package config

import (
	"strings"

	"go.uber.org/zap"
)

// NewLogger returns a human-readable development logger for dev and test and
// a JSON production logger otherwise.
func NewLogger(env string) (*zap.Logger, error) {
	switch strings.ToLower(env) {
	case "dev", "development", "local", "test":
		return zap.NewDevelopment()
	default:
		return zap.NewProduction()
	}
}
