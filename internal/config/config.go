package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	APIPort            string
	WorkerEnabled      bool
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)

	// Logging
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database: postgres:// URL, or a SQLite file path when DATABASE_URL is empty
	DatabaseURL string
	SQLitePath  string

	// Redis (empty = in-process queue)
	RedisURL string

	// Planner
	PlannerProvider string // "openai" or "gemini"
	OpenAIKey       string
	OpenAIModel     string
	GeminiKey       string
	GeminiModel     string

	// Narration
	TTSProvider       string // "elevenlabs" or "openai"
	ElevenLabsKey     string
	ElevenLabsVoiceID string
	OpenAITTSModel    string
	OpenAITTSVoice    string

	// Renderers
	ManimBin             string
	NPXBin               string
	FFmpegBin            string
	FFprobeBin           string
	RemotionProjectDir   string
	DefaultRenderBackend string
	RenderResolution     string
	RenderFPS            int

	// Artifacts
	WorkDir               string
	KeepWorkDir           bool
	StorageBackend        string // "local", "supabase" or "s3"
	ArtifactDir           string
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string
	S3Bucket              string
	S3Region              string
	S3Endpoint            string
	S3AccessKeyID         string
	S3SecretAccessKey     string
	S3UsePathStyle        bool

	// Worker
	MaxConcurrentJobs  int
	SceneConcurrency   int
	SceneFailurePolicy string // "tolerate" or "fail"
	JobHeartbeat       time.Duration
	RecoveryStaleAfter time.Duration // unfinished jobs untouched this long are swept

	// Stage timeouts
	PlanTimeout     time.Duration
	ManimTimeout    time.Duration
	RemotionTimeout time.Duration
	TTSTimeout      time.Duration
	AssemblyTimeout time.Duration
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:               getEnv("API_PORT", "8080"),
		WorkerEnabled:         getEnvBool("WORKER_ENABLED", true),
		BackendAPIKey:         getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins:    getEnv("CORS_ALLOWED_ORIGINS", ""),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogFormat:             getEnv("LOG_FORMAT", "text"),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		SQLitePath:            getEnv("SQLITE_PATH", "data/studyreel.db"),
		RedisURL:              getEnv("REDIS_URL", ""),
		PlannerProvider:       strings.ToLower(getEnv("PLANNER_PROVIDER", "openai")),
		OpenAIKey:             getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:           getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		GeminiKey:             getEnv("GEMINI_API_KEY", ""),
		GeminiModel:           getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		TTSProvider:           strings.ToLower(getEnv("TTS_PROVIDER", "elevenlabs")),
		ElevenLabsKey:         getEnv("ELEVENLABS_API_KEY", ""),
		ElevenLabsVoiceID:     getEnv("ELEVENLABS_VOICE_ID", ""),
		OpenAITTSModel:        getEnv("OPENAI_TTS_MODEL", "tts-1"),
		OpenAITTSVoice:        getEnv("OPENAI_TTS_VOICE", "alloy"),
		ManimBin:              getEnv("MANIM_BIN", "manim"),
		NPXBin:                getEnv("NPX_BIN", "npx"),
		FFmpegBin:             getEnv("FFMPEG_BIN", "ffmpeg"),
		FFprobeBin:            getEnv("FFPROBE_BIN", "ffprobe"),
		RemotionProjectDir:    getEnv("REMOTION_PROJECT_DIR", "remotion"),
		DefaultRenderBackend:  strings.ToLower(getEnv("DEFAULT_RENDER_BACKEND", "remotion")),
		RenderResolution:      getEnv("RENDER_RESOLUTION", "1920x1080"),
		RenderFPS:             getEnvInt("RENDER_FPS", 30),
		WorkDir:               getEnv("WORK_DIR", "/tmp/studyreel"),
		KeepWorkDir:           getEnvBool("KEEP_WORK_DIR", false),
		StorageBackend:        strings.ToLower(getEnv("STORAGE_BACKEND", "local")),
		ArtifactDir:           getEnv("ARTIFACT_DIR", "data/artifacts"),
		SupabaseURL:           getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket: getEnv("SUPABASE_STORAGE_BUCKET", "study-videos"),
		S3Bucket:              getEnv("S3_BUCKET", ""),
		S3Region:              getEnv("S3_REGION", "auto"),
		S3Endpoint:            getEnv("S3_ENDPOINT", ""),
		S3AccessKeyID:         getEnv("S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey:     getEnv("S3_SECRET_ACCESS_KEY", ""),
		S3UsePathStyle:        getEnvBool("S3_USE_PATH_STYLE", false),
		MaxConcurrentJobs:     getEnvInt("MAX_CONCURRENT_JOBS", 2),
		SceneConcurrency:      getEnvInt("SCENE_CONCURRENCY", 3),
		SceneFailurePolicy:    strings.ToLower(getEnv("SCENE_FAILURE_POLICY", "tolerate")),
		JobHeartbeat:          getEnvDuration("JOB_HEARTBEAT", time.Minute),
		RecoveryStaleAfter:    getEnvDuration("RECOVERY_STALE_AFTER", 5*time.Minute),
		PlanTimeout:           getEnvDuration("PLAN_TIMEOUT", 120*time.Second),
		ManimTimeout:          getEnvDuration("MANIM_TIMEOUT", 300*time.Second),
		RemotionTimeout:       getEnvDuration("REMOTION_TIMEOUT", 600*time.Second),
		TTSTimeout:            getEnvDuration("TTS_TIMEOUT", 90*time.Second),
		AssemblyTimeout:       getEnvDuration("ASSEMBLY_TIMEOUT", 600*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks provider keys for the selected providers only, so a
// deployment never needs credentials for a provider it does not use.
func (c *Config) Validate() error {
	switch c.PlannerProvider {
	case "openai":
		if c.OpenAIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when PLANNER_PROVIDER=openai")
		}
	case "gemini":
		if c.GeminiKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required when PLANNER_PROVIDER=gemini")
		}
	default:
		return fmt.Errorf("unknown PLANNER_PROVIDER %q (want openai or gemini)", c.PlannerProvider)
	}

	switch c.TTSProvider {
	case "elevenlabs":
		if c.ElevenLabsKey == "" {
			return fmt.Errorf("ELEVENLABS_API_KEY is required when TTS_PROVIDER=elevenlabs")
		}
	case "openai":
		if c.OpenAIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when TTS_PROVIDER=openai")
		}
	default:
		return fmt.Errorf("unknown TTS_PROVIDER %q (want elevenlabs or openai)", c.TTSProvider)
	}

	switch c.StorageBackend {
	case "local":
	case "supabase":
		if c.SupabaseURL == "" || c.SupabaseServiceKey == "" {
			return fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required when STORAGE_BACKEND=supabase")
		}
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when STORAGE_BACKEND=s3")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q (want local, supabase or s3)", c.StorageBackend)
	}

	switch c.SceneFailurePolicy {
	case "tolerate", "fail":
	default:
		return fmt.Errorf("unknown SCENE_FAILURE_POLICY %q (want tolerate or fail)", c.SceneFailurePolicy)
	}

	switch c.DefaultRenderBackend {
	case "manim", "remotion":
	default:
		return fmt.Errorf("unknown DEFAULT_RENDER_BACKEND %q (want manim or remotion)", c.DefaultRenderBackend)
	}

	if _, _, err := ParseResolution(c.RenderResolution); err != nil {
		return err
	}
	if c.RenderFPS <= 0 {
		return fmt.Errorf("RENDER_FPS must be positive")
	}
	if c.MaxConcurrentJobs < 1 || c.SceneConcurrency < 1 {
		return fmt.Errorf("MAX_CONCURRENT_JOBS and SCENE_CONCURRENCY must be at least 1")
	}
	if c.JobHeartbeat <= 0 || c.RecoveryStaleAfter <= c.JobHeartbeat {
		return fmt.Errorf("RECOVERY_STALE_AFTER must be longer than JOB_HEARTBEAT")
	}
	return nil
}

// ParseResolution parses "WIDTHxHEIGHT".
func ParseResolution(s string) (int, int, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), "x")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid RENDER_RESOLUTION %q (want WIDTHxHEIGHT)", s)
	}
	w, err := strconv.Atoi(parts[0])
	if err != nil || w <= 0 || w%2 != 0 {
		return 0, 0, fmt.Errorf("invalid RENDER_RESOLUTION width in %q", s)
	}
	h, err := strconv.Atoi(parts[1])
	if err != nil || h <= 0 || h%2 != 0 {
		return 0, 0, fmt.Errorf("invalid RENDER_RESOLUTION height in %q", s)
	}
	return w, h, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
