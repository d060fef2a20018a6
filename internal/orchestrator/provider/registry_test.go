package provider

import (
	"os"
	"testing"
)

func TestConfigValidate(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	os.Unsetenv("GEMINI_API_KEY")

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "valid anthropic",
			cfg:  Config{Alias: "default", Provider: KindAnthropic, Model: "claude-sonnet-4-5"},
		},
		{
			name:    "missing model",
			cfg:     Config{Alias: "default", Provider: KindAnthropic},
			wantErr: true,
		},
		{
			name:    "routing on non-openrouter provider",
			cfg:     Config{Alias: "default", Provider: KindAnthropic, Model: "x", Routing: []string{"a"}},
			wantErr: true,
		},
		{
			name:    "blank routing entry",
			cfg:     Config{Alias: "default", Provider: KindOpenRouter, Model: "x", Routing: []string{"  "}},
			wantErr: true,
		},
		{
			name:    "missing credential env",
			cfg:     Config{Alias: "default", Provider: KindGemini, Model: "gemini-2.5-flash"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
