package log

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLog(t *testing.T) {
	Init(Config{
		Environment: EnvironmentDevelopment,
		Level:       "debug",
		Outputs:     []string{"stderr"},
	})

	Info("Test log.Info", " value is ", 10)
	Infof("Test log.Infof %s", "value")
	Infow("Test log.Infow", "value", 10)
	Debugf("Test log.Debugf %s", "value")
	Error("Test log.Error")
	Warnf("Test log.Warnf %s", "value")

	WithFields("component", "test").Info("Test WithFields")
}

func TestNewLoggerBadLevel(t *testing.T) {
	_, err := NewLogger(Config{Level: "not-a-level", Outputs: []string{"stderr"}})
	require.Error(t, err)
}
