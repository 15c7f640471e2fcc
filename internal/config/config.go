package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// ErrMisconfigured is returned when the realtime endpoint cannot be built.
var ErrMisconfigured = errors.New("realtime endpoint misconfigured")

// Realtime holds the speech-to-speech endpoint settings.
type Realtime struct {
	Endpoint           string
	APIKey             string
	Deployment         string
	Voice              string
	TranscriptionModel string
}

// Validate reports whether a connection can be attempted at all.
func (r Realtime) Validate() error {
	if strings.TrimSpace(r.Endpoint) == "" {
		return fmt.Errorf("%w: AZURE_REALTIME_ENDPOINT not set", ErrMisconfigured)
	}
	if strings.TrimSpace(r.APIKey) == "" {
		return fmt.Errorf("%w: AZURE_REALTIME_API_KEY not set", ErrMisconfigured)
	}
	if strings.TrimSpace(r.Deployment) == "" {
		return fmt.Errorf("%w: AZURE_REALTIME_DEPLOYMENT not set", ErrMisconfigured)
	}
	return nil
}

// Chat holds the turn-based completions endpoint settings.
type Chat struct {
	Endpoint   string
	APIKey     string
	Deployment string
}

// Storage holds the checkout order bucket settings.
type Storage struct {
	SupabaseURL            string
	SupabaseServiceRoleKey string
	Bucket                 string
}

// Config holds application configuration.
type Config struct {
	HTTPAddress    string
	AuthPassword   string
	ICEServersJSON string
	LogFile        string
	LogJSON        bool

	Realtime Realtime
	Chat     Chat
	Storage  Storage
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	// .env is optional
	_ = godotenv.Load()

	cfg := Config{
		HTTPAddress:    getEnv("HTTP_ADDRESS", ":8080"),
		AuthPassword:   os.Getenv("AUTH_PASSWORD"),
		ICEServersJSON: getEnv("ICE_SERVERS_JSON", `[{"urls":["stun:stun.l.google.com:19302"]}]`),
		LogFile:        os.Getenv("LOG_FILE"),
		LogJSON:        strings.EqualFold(os.Getenv("LOG_FORMAT"), "json"),
		Realtime: Realtime{
			Endpoint:           os.Getenv("AZURE_REALTIME_ENDPOINT"),
			APIKey:             os.Getenv("AZURE_REALTIME_API_KEY"),
			Deployment:         getEnv("AZURE_REALTIME_DEPLOYMENT", "gpt-realtime"),
			Voice:              getEnv("REALTIME_VOICE", "alloy"),
			TranscriptionModel: getEnv("REALTIME_TRANSCRIPTION_MODEL", "whisper-1"),
		},
		Chat: Chat{
			Endpoint:   os.Getenv("AZURE_OPENAI_ENDPOINT"),
			APIKey:     os.Getenv("AZURE_OPENAI_API_KEY"),
			Deployment: getEnv("AZURE_OPENAI_DEPLOYMENT", "gpt-4"),
		},
		Storage: Storage{
			SupabaseURL:            os.Getenv("SUPABASE_URL"),
			SupabaseServiceRoleKey: os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
			Bucket:                 getEnv("SUPABASE_BUCKET", "checkout-orders"),
		},
	}

	return cfg
}

// Warnings lists missing settings that disable a feature without stopping the server.
func (c Config) Warnings() []string {
	var out []string
	if c.Realtime.Endpoint == "" || c.Realtime.APIKey == "" {
		out = append(out, "AZURE_REALTIME_ENDPOINT or AZURE_REALTIME_API_KEY not set - voice assistant will not connect")
	}
	if c.Chat.Endpoint == "" || c.Chat.APIKey == "" {
		out = append(out, "AZURE_OPENAI_ENDPOINT or AZURE_OPENAI_API_KEY not set - chat will not work")
	}
	if c.Storage.SupabaseURL == "" || c.Storage.SupabaseServiceRoleKey == "" {
		out = append(out, "SUPABASE_URL or SUPABASE_SERVICE_ROLE_KEY not set - orders will not be stored")
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
