package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	tests := []struct {
		level       string
		development bool
		want        zapcore.Level
		wantErr     bool
	}{
		{"", false, zapcore.InfoLevel, false},
		{"debug", false, zapcore.DebugLevel, false},
		{"warn", true, zapcore.WarnLevel, false},
		{"ERROR", false, zapcore.ErrorLevel, false},
		{"loud", false, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			log, err := New(tt.level, tt.development)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if !log.Core().Enabled(tt.want) {
				t.Errorf("level %v not enabled", tt.want)
			}
			if tt.want > zapcore.DebugLevel && log.Core().Enabled(tt.want-1) {
				t.Errorf("level %v unexpectedly enabled", tt.want-1)
			}
		})
	}
}
