package logging

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewLevels(t *testing.T) {
	if got := New("debug", false).GetLevel(); got != logrus.DebugLevel {
		t.Errorf("level = %v", got)
	}
	if got := New("nonsense", true).GetLevel(); got != logrus.InfoLevel {
		t.Errorf("fallback level = %v", got)
	}
	if _, ok := New("warn", true).Formatter.(*logrus.JSONFormatter); !ok {
		t.Error("expected JSON formatter")
	}
}
