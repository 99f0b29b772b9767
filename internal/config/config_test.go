package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("ELEVENLABS_API_KEY", "el-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.APIPort != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.APIPort)
	}
	if cfg.DefaultRenderBackend != "remotion" {
		t.Errorf("expected remotion default backend, got %s", cfg.DefaultRenderBackend)
	}
	if cfg.SceneFailurePolicy != "tolerate" {
		t.Errorf("expected tolerate policy, got %s", cfg.SceneFailurePolicy)
	}
	if cfg.ManimTimeout != 300*time.Second || cfg.RemotionTimeout != 600*time.Second {
		t.Errorf("unexpected render timeouts: %v %v", cfg.ManimTimeout, cfg.RemotionTimeout)
	}
	if cfg.RedisURL != "" {
		t.Errorf("expected in-process queue by default, got %q", cfg.RedisURL)
	}
}

func TestLoadRequiresSelectedProviderKeys(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			name: "openai planner without key",
			env:  map[string]string{"ELEVENLABS_API_KEY": "x"},
			want: "OPENAI_API_KEY",
		},
		{
			name: "gemini planner without key",
			env:  map[string]string{"PLANNER_PROVIDER": "gemini", "OPENAI_API_KEY": "x", "ELEVENLABS_API_KEY": "x"},
			want: "GEMINI_API_KEY",
		},
		{
			name: "supabase without url",
			env:  map[string]string{"OPENAI_API_KEY": "x", "ELEVENLABS_API_KEY": "x", "STORAGE_BACKEND": "supabase"},
			want: "SUPABASE_URL",
		},
		{
			name: "bad policy",
			env:  map[string]string{"OPENAI_API_KEY": "x", "ELEVENLABS_API_KEY": "x", "SCENE_FAILURE_POLICY": "ignore"},
			want: "SCENE_FAILURE_POLICY",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("OPENAI_API_KEY", "")
			t.Setenv("ELEVENLABS_API_KEY", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %s, got %v", tt.want, err)
			}
		})
	}
}

func TestOpenAITTSReusesPlannerKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("ELEVENLABS_API_KEY", "")
	t.Setenv("TTS_PROVIDER", "openai")

	if _, err := Load(); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
}

func TestParseResolution(t *testing.T) {
	w, h, err := ParseResolution("1920x1080")
	if err != nil || w != 1920 || h != 1080 {
		t.Fatalf("got %d %d %v", w, h, err)
	}

	for _, bad := range []string{"", "1920", "axb", "1921x1080", "-2x4"} {
		if _, _, err := ParseResolution(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("X_TIMEOUT", "45")
	if d := getEnvDuration("X_TIMEOUT", time.Second); d != 45*time.Second {
		t.Errorf("expected 45s, got %v", d)
	}
	t.Setenv("X_TIMEOUT", "2m")
	if d := getEnvDuration("X_TIMEOUT", time.Second); d != 2*time.Minute {
		t.Errorf("expected 2m, got %v", d)
	}
	t.Setenv("X_TIMEOUT", "soon")
	if d := getEnvDuration("X_TIMEOUT", time.Second); d != time.Second {
		t.Errorf("expected fallback, got %v", d)
	}
}

func TestRecoveryMustOutlastHeartbeat(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("ELEVENLABS_API_KEY", "el-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.JobHeartbeat != time.Minute || cfg.RecoveryStaleAfter != 5*time.Minute {
		t.Errorf("unexpected recovery defaults: %v %v", cfg.JobHeartbeat, cfg.RecoveryStaleAfter)
	}

	t.Setenv("JOB_HEARTBEAT", "2m")
	t.Setenv("RECOVERY_STALE_AFTER", "90s")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "RECOVERY_STALE_AFTER") {
		t.Errorf("expected stale window error, got %v", err)
	}
}
