// Пакет config отвечает за сбор и предоставление конфигурации всего приложения.
// Он:
//  1. читает переменные окружения из .env (через godotenv),
//  2. нормализует и валидирует входные значения,
//  3. накапливает предупреждения о подменённых на дефолт значениях,
//  4. предоставляет доступ к результату через singleton Env().
//
// Бизнес-контекст: процесс держит два независимых подключения к Telegram —
// пользовательскую MTProto‑сессию (gotd) и бот‑сессию (Bot API). Конфиг среды
// управляет учётными данными обеих сессий, окнами дедупликации и упорядочивания,
// глубинами очередей, лимитами исходящих и политикой переподключения.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"telegram-dualbot/internal/infra/timeutil"

	"github.com/joho/godotenv"
)

// EnvConfig описывает параметры, приходящие из окружения (.env).
//
// NB: значения уже проходят минимальную валидацию и нормализацию в loadConfig.
// В рантайме по месту использования предполагается, что EnvConfig последователен.
type EnvConfig struct {
	// Пользовательская сессия (MTProto).
	APIID       int
	APIHash     string
	PhoneNumber string
	SessionFile string
	StateFile   string
	TestDC      bool
	ThrottleRPS int
	// Бот‑сессия (Bot API).
	BotToken string
	// Ядро диспетчеризации.
	DedupWindowMS        int
	OrderingGraceMS      int
	ConversationDepth    int
	OutboundRatePerConv  float64
	OutboundQueueDepth   int
	IdleConversationMS   int
	ReconnectMaxAttempts int
	ShutdownGraceMS      int
	// Логирование и таймзона.
	LogLevel          string
	AppTimezone       string
	LogFile           string
	LogFileLevel      string
	LogFileMaxSize    int
	LogFileMaxBackups int
	LogFileMaxAge     int
	LogFileCompress   bool
}

// Значения по умолчанию для параметров окружения.
const (
	defaultThrottleRPS          = 1
	defaultDedupWindowMS        = 5000
	defaultOrderingGraceMS      = 300
	defaultConversationDepth    = 32
	defaultOutboundRatePerConv  = 1.0
	defaultOutboundQueueDepth   = 16
	defaultIdleConversationMS   = 300000
	defaultReconnectMaxAttempts = 5
	defaultShutdownGraceMS      = 10000
	defaultLogLevel             = "info"
	defaultSessionFile          = "data/session.bin"
	defaultStateFile            = "data/state.bbolt"
	defaultAppTimezone          = "UTC"
	// Файловое логирование (LOG_FILE не имеет дефолта — должен быть явно указан для активации).
	defaultLogFileLevel      = "debug"
	defaultLogFileMaxSize    = 50
	defaultLogFileMaxBackups = 3
	defaultLogFileMaxAge     = 7
	defaultLogFileCompress   = true
)

var (
	mu          sync.RWMutex
	cfgInstance *EnvConfig
	cfgWarnings []string
	cfgDone     bool
)

// AppLocation — таймзона приложения, результат разбора APP_TIMEZONE.
var AppLocation = time.UTC

// Load — точка входа для инициализации глобальной конфигурации. При первом
// вызове читает .env, формирует EnvConfig и фиксирует его в singleton.
// Повторный вызов запрещён (возвращается ошибка), чтобы избежать гонок
// конфигурации на старте.
func Load(envPath string) error {
	mu.Lock()
	defer mu.Unlock()

	if cfgDone {
		return errors.New("config already loaded")
	}
	env, warnings, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance = env
	cfgWarnings = warnings
	cfgDone = true
	return nil
}

// Env возвращает снимок конфигурации окружения. Паника при вызове до Load —
// осознанная: обращение к конфигу раньше инициализации это ошибка программиста.
func Env() EnvConfig {
	mu.RLock()
	defer mu.RUnlock()
	if cfgInstance == nil {
		panic("config: Env() called before Load()")
	}
	return *cfgInstance
}

// Warnings возвращает предупреждения, накопленные при чтении окружения.
func Warnings() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, len(cfgWarnings))
	copy(out, cfgWarnings)
	return out
}

// loadConfig выполняет фактическую загрузку/валидацию без установки глобального
// состояния. Удобно для тестов: можно собрать временный EnvConfig и проверить его.
func loadConfig(envPath string) (*EnvConfig, []string, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			return nil, nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	apiID, err := parseRequiredInt("API_ID")
	if err != nil {
		return nil, nil, err
	}

	apiHash := strings.TrimSpace(os.Getenv("API_HASH"))
	if apiHash == "" {
		return nil, nil, errors.New("env API_HASH must be set")
	}

	phone := strings.TrimSpace(os.Getenv("PHONE_NUMBER"))
	if phone == "" {
		return nil, nil, errors.New("env PHONE_NUMBER must be set")
	}

	botToken := strings.TrimSpace(os.Getenv("BOT_TOKEN"))
	if botToken == "" {
		return nil, nil, errors.New("env BOT_TOKEN must be set")
	}

	var warnings []string

	env := &EnvConfig{
		APIID:       apiID,
		APIHash:     apiHash,
		PhoneNumber: phone,
		BotToken:    botToken,

		SessionFile: sanitizeFile("SESSION_FILE", defaultSessionFile, &warnings),
		StateFile:   sanitizeFile("STATE_FILE", defaultStateFile, &warnings),
		TestDC:      parseBoolDefault("TEST_DC", false, &warnings),
		ThrottleRPS: parseIntDefault("THROTTLE_RPS", defaultThrottleRPS, greaterThanZero, &warnings),

		DedupWindowMS:        parseIntDefault("DEDUP_WINDOW_MS", defaultDedupWindowMS, greaterThanZero, &warnings),
		OrderingGraceMS:      parseIntDefault("ORDERING_GRACE_MS", defaultOrderingGraceMS, nonNegative, &warnings),
		ConversationDepth:    parseIntDefault("CONVERSATION_QUEUE_DEPTH", defaultConversationDepth, greaterThanZero, &warnings),
		OutboundRatePerConv:  parseFloatDefault("OUTBOUND_RATE_PER_CONVERSATION", defaultOutboundRatePerConv, &warnings),
		OutboundQueueDepth:   parseIntDefault("OUTBOUND_QUEUE_DEPTH", defaultOutboundQueueDepth, greaterThanZero, &warnings),
		IdleConversationMS:   parseIntDefault("IDLE_CONVERSATION_TIMEOUT_MS", defaultIdleConversationMS, greaterThanZero, &warnings),
		ReconnectMaxAttempts: parseIntDefault("SESSION_RECONNECT_MAX_ATTEMPTS", defaultReconnectMaxAttempts, greaterThanZero, &warnings),
		ShutdownGraceMS:      parseIntDefault("SHUTDOWN_GRACE_MS", defaultShutdownGraceMS, greaterThanZero, &warnings),

		LogLevel:          sanitizeLogLevel("LOG_LEVEL", defaultLogLevel, &warnings),
		AppTimezone:       strings.TrimSpace(os.Getenv("APP_TIMEZONE")),
		LogFile:           strings.TrimSpace(os.Getenv("LOG_FILE")),
		LogFileLevel:      sanitizeLogLevel("LOG_FILE_LEVEL", defaultLogFileLevel, &warnings),
		LogFileMaxSize:    parseIntDefault("LOG_FILE_MAX_SIZE_MB", defaultLogFileMaxSize, greaterThanZero, &warnings),
		LogFileMaxBackups: parseIntDefault("LOG_FILE_MAX_BACKUPS", defaultLogFileMaxBackups, nonNegative, &warnings),
		LogFileMaxAge:     parseIntDefault("LOG_FILE_MAX_AGE_DAYS", defaultLogFileMaxAge, nonNegative, &warnings),
		LogFileCompress:   parseBoolDefault("LOG_FILE_COMPRESS", defaultLogFileCompress, &warnings),
	}

	if env.AppTimezone == "" {
		env.AppTimezone = defaultAppTimezone
	}
	loc, err := timeutil.ParseLocation(env.AppTimezone)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid APP_TIMEZONE %q: %w", env.AppTimezone, err)
	}
	AppLocation = loc

	return env, warnings, nil
}

// validator проверяет разобранное числовое значение; false → берём дефолт с предупреждением.
type validator func(int) bool

func greaterThanZero(v int) bool { return v > 0 }
func nonNegative(v int) bool     { return v >= 0 }

// parseRequiredInt читает обязательную целочисленную переменную окружения.
func parseRequiredInt(name string) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("env %s must be set", name)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("env %s must be an integer: %w", name, err)
	}
	return v, nil
}

// parseIntDefault читает целое с дефолтом; некорректные значения заменяются
// дефолтом с накоплением предупреждения.
func parseIntDefault(name string, def int, ok validator, warnings *[]string) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || !ok(v) {
		*warnings = append(*warnings, fmt.Sprintf("env %s=%q is invalid, using default %d", name, raw, def))
		return def
	}
	return v
}

// parseFloatDefault читает положительное число с плавающей точкой с дефолтом.
func parseFloatDefault(name string, def float64, warnings *[]string) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		*warnings = append(*warnings, fmt.Sprintf("env %s=%q is invalid, using default %g", name, raw, def))
		return def
	}
	return v
}

// parseBoolDefault читает булево значение ("true"/"false") с дефолтом.
func parseBoolDefault(name string, def bool, warnings *[]string) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		*warnings = append(*warnings, fmt.Sprintf("env %s=%q is invalid, using default %t", name, raw, def))
		return def
	}
	return v
}

// sanitizeFile читает путь файла с дефолтом; пустые значения заменяются молча.
func sanitizeFile(name, def string, warnings *[]string) string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	if strings.ContainsRune(raw, 0) {
		*warnings = append(*warnings, fmt.Sprintf("env %s contains NUL, using default %q", name, def))
		return def
	}
	return raw
}

// sanitizeLogLevel нормализует уровень логирования; неизвестный уровень → дефолт.
func sanitizeLogLevel(name, def string, warnings *[]string) string {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	switch raw {
	case "":
		return def
	case "debug", "info", "warn", "error":
		return raw
	default:
		*warnings = append(*warnings, fmt.Sprintf("env %s=%q is invalid, using default %q", name, raw, def))
		return def
	}
}

// Durations — производные time.Duration от миллисекундных «ручек».
// Отдельные геттеры, чтобы по месту использования не плодить конверсии.

// DedupWindow возвращает окно дедупликации.
func (c EnvConfig) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowMS) * time.Millisecond
}

// OrderingGrace возвращает грейс‑период упорядочивания.
func (c EnvConfig) OrderingGrace() time.Duration {
	return time.Duration(c.OrderingGraceMS) * time.Millisecond
}

// IdleConversationTimeout возвращает таймаут сборки неактивных диалогов.
func (c EnvConfig) IdleConversationTimeout() time.Duration {
	return time.Duration(c.IdleConversationMS) * time.Millisecond
}

// ShutdownGrace возвращает лимит ожидания обработчиков при остановке.
func (c EnvConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceMS) * time.Millisecond
}
