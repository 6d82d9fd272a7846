package domain

import (
	"strings"
	"time"
)

type AutoBanConfig struct {
	Enabled       bool
	MaxViolations int
	BanDuration   time.Duration
}

// Config é a configuração do motor. Construa com DefaultConfig e ajuste o que precisar.
type Config struct {
	Window      time.Duration
	MaxRequests int
	WindowType  WindowType

	// RouteLimits mapeia padrão de path -> limite. Todos os padrões que casam são
	// considerados e o menor vence.
	RouteLimits  map[string]int
	MethodLimits map[string]int

	AutoBan AutoBanConfig

	CleanupInterval time.Duration
	MaxStoreSize    int
	// IdleMultiple: o janitor apaga janelas sem atividade há mais de Window*IdleMultiple.
	IdleMultiple int

	Whitelist []string
	Blacklist []string

	SkipSuccessfulRequests bool
	SkipFailedRequests     bool
}

func DefaultConfig() Config {
	return Config{
		Window:      60 * time.Second,
		MaxRequests: 100,
		WindowType:  WindowSliding,
		AutoBan: AutoBanConfig{
			MaxViolations: 5,
			BanDuration:   24 * time.Hour,
		},
		CleanupInterval: 5 * time.Minute,
		MaxStoreSize:    10000,
		IdleMultiple:    2,
	}
}

// ViolationHorizon é o horizonte de poda das violações (2x a janela).
func (c Config) ViolationHorizon() time.Duration { return 2 * c.Window }

// IdleTTL é o tempo sem atividade após o qual o janitor apaga uma janela.
func (c Config) IdleTTL() time.Duration {
	m := c.IdleMultiple
	if m <= 0 {
		m = 2
	}
	return time.Duration(m) * c.Window
}

// ViolationCap limita quantos instantes de violação uma chave guarda.
// A contagem satura em MaxViolations, o que basta para decidir a escalada.
func (c Config) ViolationCap() int {
	if c.AutoBan.MaxViolations > 0 {
		return c.AutoBan.MaxViolations
	}
	return 1
}

// Validate retorna *ConfigError (errors.Is(err, ErrConfiguration)) para a primeira opção inválida.
func (c Config) Validate() error {
	if c.Window <= 0 {
		return &ConfigError{Field: "windowMs", Reason: "must be > 0"}
	}
	if c.Window < time.Millisecond {
		return &ConfigError{Field: "windowMs", Reason: "must be at least 1ms"}
	}
	if c.MaxRequests <= 0 {
		return &ConfigError{Field: "maxRequests", Reason: "must be > 0"}
	}
	if _, err := ParseWindowType(string(c.WindowType)); err != nil {
		return err
	}
	for pattern, limit := range c.RouteLimits {
		if strings.TrimSpace(pattern) == "" {
			return &ConfigError{Field: "routeLimits", Reason: "pattern must not be empty"}
		}
		if limit <= 0 {
			return &ConfigError{Field: "routeLimits", Reason: "limit for " + pattern + " must be > 0"}
		}
	}
	for method, limit := range c.MethodLimits {
		if strings.TrimSpace(method) == "" {
			return &ConfigError{Field: "methodLimits", Reason: "method must not be empty"}
		}
		if limit <= 0 {
			return &ConfigError{Field: "methodLimits", Reason: "limit for " + method + " must be > 0"}
		}
	}
	if c.AutoBan.Enabled {
		if c.AutoBan.MaxViolations <= 0 {
			return &ConfigError{Field: "autoBan.maxViolations", Reason: "must be > 0"}
		}
		if c.AutoBan.BanDuration <= 0 {
			return &ConfigError{Field: "autoBan.banDurationMs", Reason: "must be > 0"}
		}
	}
	if c.CleanupInterval < 0 {
		return &ConfigError{Field: "cleanupInterval", Reason: "must be >= 0"}
	}
	if c.MaxStoreSize < 0 {
		return &ConfigError{Field: "maxStoreSize", Reason: "must be >= 0"}
	}
	if c.IdleMultiple < 0 {
		return &ConfigError{Field: "idleMultiple", Reason: "must be >= 0"}
	}
	return nil
}
