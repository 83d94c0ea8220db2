package logging

import (
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewConfig(t *testing.T) {
	tests := []struct {
		level, format string
		wantLevel     zapcore.Level
		wantEncoding  string
		wantErr       bool
	}{
		{"", "", zapcore.InfoLevel, "json", false},
		{"debug", "json", zapcore.DebugLevel, "json", false},
		{"warn", "console", zapcore.WarnLevel, "console", false},
		{"error", "", zapcore.ErrorLevel, "json", false},
		{"loud", "", 0, "", true},
		{"info", "xml", 0, "", true},
	}
	for _, tt := range tests {
		config, err := NewConfig(tt.level, tt.format)
		if tt.wantErr {
			if err == nil {
				t.Errorf("NewConfig(%q, %q) expected error", tt.level, tt.format)
			}
			continue
		}
		if err != nil {
			t.Fatalf("NewConfig(%q, %q) failed: %v", tt.level, tt.format, err)
		}
		if config.Level.Level() != tt.wantLevel {
			t.Errorf("NewConfig(%q) level = %s, want %s", tt.level, config.Level.Level(), tt.wantLevel)
		}
		if config.Encoding != tt.wantEncoding {
			t.Errorf("NewConfig(%q) encoding = %s, want %s", tt.format, config.Encoding, tt.wantEncoding)
		}
		if len(config.OutputPaths) != 1 || config.OutputPaths[0] != "stderr" {
			t.Errorf("Expected logs on stderr, got %v", config.OutputPaths)
		}
	}
}

func TestSetLoggerIsSharedAcrossGoroutines(t *testing.T) {
	prev := Logger()
	defer SetLogger(prev)

	core, logs := observer.New(zap.InfoLevel)
	SetLogger(zap.New(core))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			Logger().Info("target done", zap.Int("vmid", 250+i))
		}(i)
	}
	wg.Wait()

	if logs.Len() != 8 {
		t.Errorf("Expected 8 entries, got %d", logs.Len())
	}
}
