package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config es la configuración completa del bot.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Ladder  LadderConfig  `yaml:"ladder"`
	Risk    RiskConfig    `yaml:"risk"`
	Capital CapitalConfig `yaml:"capital"`
	API     APIConfig     `yaml:"api"`
	Wallet  WalletConfig  `yaml:"wallet"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
}

// EngineConfig controla el ciclo de supervisión por mercado.
type EngineConfig struct {
	TickSeconds            int     `yaml:"tick_seconds"`
	MaxMarkets             int     `yaml:"max_markets"`
	MinRewardRate          float64 `yaml:"min_reward_rate"` // USDC/día mínimo para activar un mercado
	ReportSeconds          int     `yaml:"report_seconds"`
	InactivityHours        float64 `yaml:"inactivity_hours"`
	VolatilityThreshold    float64 `yaml:"volatility_threshold"`
	VolatilityCooldownMins int     `yaml:"volatility_cooldown_minutes"`
	FairWindowDays         int     `yaml:"fair_window_days"`
	FairMinTrades          int     `yaml:"fair_min_trades"`
	CrossingThreshold      float64 `yaml:"crossing_threshold"`
	CrossingClipSize       float64 `yaml:"crossing_clip_size"`
}

// LadderConfig controla el pricing y tamaño del ladder.
type LadderConfig struct {
	SplitPrimary       float64 `yaml:"split_primary"`        // fracción del total en la leg Primary
	MaxIncentiveSpread float64 `yaml:"max_incentive_spread"` // distancia máxima a fair que aún puntúa rewards
	SmallTierMinTick   float64 `yaml:"small_tier_min_tick"`
	MediumTierMinTick  float64 `yaml:"medium_tier_min_tick"`
}

// RiskConfig controla la reacción a fills.
type RiskConfig struct {
	Policy             string `yaml:"policy"` // immediate_cut | hedge
	UnwindTimeoutMins  int    `yaml:"unwind_timeout_minutes"`
	PauseOnRejectMins  int    `yaml:"pause_on_reject_minutes"`
	UnwindOffsetTicks  int    `yaml:"unwind_offset_ticks"`
}

// CapitalConfig es el ledger global de capital.
type CapitalConfig struct {
	GlobalCapUSDC        float64 `yaml:"global_cap_usdc"`
	PerMarketCapUSDC     float64 `yaml:"per_market_cap_usdc"`
	DiminishOpenInterest float64 `yaml:"diminish_open_interest"` // OI a partir del cual se reduce el grant
	DiminishScale        float64 `yaml:"diminish_scale"`
}

// APIConfig contiene los base URLs de las APIs.
type APIConfig struct {
	CLOBBase     string `yaml:"clob_base"`
	GammaBase    string `yaml:"gamma_base"`
	DataAPIBase  string `yaml:"data_api_base"`
	SubgraphBase string `yaml:"subgraph_base"`
	WSBase       string `yaml:"ws_base"`
	PolygonRPC   string `yaml:"polygon_rpc"`
}

// WalletConfig contiene la clave de firma. Solo via env, nunca en YAML.
type WalletConfig struct {
	PrivateKey string `yaml:"-"`
}

// StorageConfig controla dónde se persiste el journal.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // ruta al archivo SQLite, o ":memory:"
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Los valores del .env sobreescriben los del YAML para las keys que correspondan.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// TickInterval devuelve el intervalo de tick como time.Duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Engine.TickSeconds) * time.Second
}

// ReportInterval devuelve la cadencia del reporte de consola.
func (c *Config) ReportInterval() time.Duration {
	return time.Duration(c.Engine.ReportSeconds) * time.Second
}

// InactivityThreshold devuelve el umbral de retirada por inactividad.
func (c *Config) InactivityThreshold() time.Duration {
	return time.Duration(c.Engine.InactivityHours * float64(time.Hour))
}

// UnwindTimeout devuelve el timeout de unwind pasivo.
func (c *Config) UnwindTimeout() time.Duration {
	return time.Duration(c.Risk.UnwindTimeoutMins) * time.Minute
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("POLYGON_PRIVATE_KEY"); v != "" {
		cfg.Wallet.PrivateKey = v
	}
	if v := os.Getenv("POLYGON_RPC_URL"); v != "" {
		cfg.API.PolygonRPC = v
	}
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	if cfg.Engine.TickSeconds <= 0 {
		cfg.Engine.TickSeconds = 15
	}
	if cfg.Engine.MaxMarkets <= 0 {
		cfg.Engine.MaxMarkets = 10
	}
	if cfg.Engine.ReportSeconds <= 0 {
		cfg.Engine.ReportSeconds = 60
	}
	if cfg.Engine.InactivityHours <= 0 {
		cfg.Engine.InactivityHours = 72
	}
	if cfg.Engine.VolatilityThreshold <= 0 {
		cfg.Engine.VolatilityThreshold = 0.05
	}
	if cfg.Engine.VolatilityCooldownMins <= 0 {
		cfg.Engine.VolatilityCooldownMins = 2
	}
	if cfg.Engine.FairWindowDays <= 0 {
		cfg.Engine.FairWindowDays = 7
	}
	if cfg.Engine.FairMinTrades <= 0 {
		cfg.Engine.FairMinTrades = 20
	}
	if cfg.Engine.CrossingThreshold <= 0 {
		cfg.Engine.CrossingThreshold = 0.02
	}
	if cfg.Engine.CrossingClipSize <= 0 {
		cfg.Engine.CrossingClipSize = 50
	}
	if cfg.Ladder.SplitPrimary <= 0 || cfg.Ladder.SplitPrimary >= 1 {
		cfg.Ladder.SplitPrimary = 0.30
	}
	if cfg.Ladder.MaxIncentiveSpread <= 0 {
		cfg.Ladder.MaxIncentiveSpread = 0.03
	}
	if cfg.Ladder.SmallTierMinTick <= 0 {
		cfg.Ladder.SmallTierMinTick = 0.01
	}
	if cfg.Ladder.MediumTierMinTick <= 0 {
		cfg.Ladder.MediumTierMinTick = 0.001
	}
	if cfg.Risk.Policy == "" {
		cfg.Risk.Policy = "immediate_cut"
	}
	if cfg.Risk.UnwindTimeoutMins <= 0 {
		cfg.Risk.UnwindTimeoutMins = 30
	}
	if cfg.Risk.PauseOnRejectMins <= 0 {
		cfg.Risk.PauseOnRejectMins = 5
	}
	if cfg.Risk.UnwindOffsetTicks <= 0 {
		cfg.Risk.UnwindOffsetTicks = 1
	}
	if cfg.Capital.GlobalCapUSDC <= 0 {
		cfg.Capital.GlobalCapUSDC = 500
	}
	if cfg.Capital.PerMarketCapUSDC <= 0 {
		cfg.Capital.PerMarketCapUSDC = cfg.Capital.GlobalCapUSDC / float64(cfg.Engine.MaxMarkets)
	}
	if cfg.Capital.DiminishScale <= 0 || cfg.Capital.DiminishScale > 1 {
		cfg.Capital.DiminishScale = 0.5
	}
	if cfg.API.CLOBBase == "" {
		cfg.API.CLOBBase = "https://clob.polymarket.com"
	}
	if cfg.API.GammaBase == "" {
		cfg.API.GammaBase = "https://gamma-api.polymarket.com"
	}
	if cfg.API.DataAPIBase == "" {
		cfg.API.DataAPIBase = "https://data-api.polymarket.com"
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "polyladder.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

// validate comprueba las precondiciones que no tienen default razonable.
func validate(cfg *Config) error {
	if cfg.Wallet.PrivateKey == "" {
		return fmt.Errorf("POLYGON_PRIVATE_KEY is required")
	}
	if cfg.Risk.Policy != "immediate_cut" && cfg.Risk.Policy != "hedge" {
		return fmt.Errorf("risk.policy must be immediate_cut or hedge, got %q", cfg.Risk.Policy)
	}
	if cfg.Capital.PerMarketCapUSDC > cfg.Capital.GlobalCapUSDC {
		return fmt.Errorf("capital.per_market_cap_usdc (%.2f) exceeds global cap (%.2f)",
			cfg.Capital.PerMarketCapUSDC, cfg.Capital.GlobalCapUSDC)
	}
	return nil
}
