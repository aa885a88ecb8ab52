package config

import (
	"strings"
	"testing"
	"time"
)

// setRequired задаёт минимально необходимый набор переменных окружения.
func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("API_ID", "12345")
	t.Setenv("API_HASH", "hash")
	t.Setenv("PHONE_NUMBER", "+10000000000")
	t.Setenv("BOT_TOKEN", "12345:token")
}

// clearOptional сбрасывает опциональные переменные, чтобы внешнее окружение
// не влияло на тест.
func clearOptional(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"SESSION_FILE", "STATE_FILE", "TEST_DC", "THROTTLE_RPS",
		"DEDUP_WINDOW_MS", "ORDERING_GRACE_MS", "CONVERSATION_QUEUE_DEPTH",
		"OUTBOUND_RATE_PER_CONVERSATION", "OUTBOUND_QUEUE_DEPTH",
		"IDLE_CONVERSATION_TIMEOUT_MS", "SESSION_RECONNECT_MAX_ATTEMPTS",
		"SHUTDOWN_GRACE_MS", "LOG_LEVEL", "APP_TIMEZONE", "LOG_FILE",
		"LOG_FILE_LEVEL", "LOG_FILE_MAX_SIZE_MB", "LOG_FILE_MAX_BACKUPS",
		"LOG_FILE_MAX_AGE_DAYS", "LOG_FILE_COMPRESS",
	} {
		t.Setenv(name, "")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequired(t)
	clearOptional(t)

	env, warnings, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig() failed: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}

	if env.APIID != 12345 || env.APIHash != "hash" || env.BotToken != "12345:token" {
		t.Fatalf("credentials lost: %#v", env)
	}
	if env.DedupWindowMS != defaultDedupWindowMS ||
		env.OrderingGraceMS != defaultOrderingGraceMS ||
		env.ConversationDepth != defaultConversationDepth ||
		env.OutboundQueueDepth != defaultOutboundQueueDepth ||
		env.ReconnectMaxAttempts != defaultReconnectMaxAttempts {
		t.Fatalf("core defaults not applied: %#v", env)
	}
	if env.DedupWindow() != 5*time.Second {
		t.Fatalf("DedupWindow() = %s, want 5s", env.DedupWindow())
	}
	if env.OrderingGrace() != 300*time.Millisecond {
		t.Fatalf("OrderingGrace() = %s, want 300ms", env.OrderingGrace())
	}
}

func TestLoadConfigExplicitValues(t *testing.T) {
	setRequired(t)
	clearOptional(t)
	t.Setenv("DEDUP_WINDOW_MS", "7000")
	t.Setenv("ORDERING_GRACE_MS", "0")
	t.Setenv("OUTBOUND_RATE_PER_CONVERSATION", "0.5")
	t.Setenv("TEST_DC", "true")
	t.Setenv("LOG_LEVEL", "DEBUG")

	env, warnings, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig() failed: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}

	if env.DedupWindowMS != 7000 || env.OrderingGraceMS != 0 {
		t.Fatalf("explicit windows ignored: %#v", env)
	}
	if env.OutboundRatePerConv != 0.5 {
		t.Fatalf("OutboundRatePerConv = %g, want 0.5", env.OutboundRatePerConv)
	}
	if !env.TestDC {
		t.Fatal("TEST_DC=true ignored")
	}
	if env.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q, want lowercased debug", env.LogLevel)
	}
}

func TestLoadConfigInvalidValuesFallBack(t *testing.T) {
	setRequired(t)
	clearOptional(t)
	t.Setenv("DEDUP_WINDOW_MS", "-5")
	t.Setenv("CONVERSATION_QUEUE_DEPTH", "many")
	t.Setenv("LOG_LEVEL", "loud")

	env, warnings, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig() failed: %v", err)
	}

	if env.DedupWindowMS != defaultDedupWindowMS {
		t.Fatalf("DedupWindowMS = %d, want default", env.DedupWindowMS)
	}
	if env.ConversationDepth != defaultConversationDepth {
		t.Fatalf("ConversationDepth = %d, want default", env.ConversationDepth)
	}
	if env.LogLevel != defaultLogLevel {
		t.Fatalf("LogLevel = %q, want default", env.LogLevel)
	}
	if len(warnings) != 3 {
		t.Fatalf("warnings = %v, want 3 entries", warnings)
	}
	for _, w := range warnings {
		if !strings.Contains(w, "using default") {
			t.Fatalf("warning %q lacks default note", w)
		}
	}
}

func TestLoadConfigMissingRequired(t *testing.T) {
	clearOptional(t)
	t.Setenv("API_ID", "")
	t.Setenv("API_HASH", "hash")
	t.Setenv("PHONE_NUMBER", "+10000000000")
	t.Setenv("BOT_TOKEN", "12345:token")

	if _, _, err := loadConfig(""); err == nil {
		t.Fatal("loadConfig() must fail without API_ID")
	}

	t.Setenv("API_ID", "12345")
	t.Setenv("BOT_TOKEN", "")
	if _, _, err := loadConfig(""); err == nil {
		t.Fatal("loadConfig() must fail without BOT_TOKEN")
	}
}

func TestLoadConfigBadTimezone(t *testing.T) {
	setRequired(t)
	clearOptional(t)
	t.Setenv("APP_TIMEZONE", "Mars/Olympus")

	if _, _, err := loadConfig(""); err == nil {
		t.Fatal("loadConfig() must reject unknown timezone")
	}
}
