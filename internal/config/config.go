// Package config loads and validates the memory engine configuration.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/spf13/viper"

	memerr "github.com/andyan77/diyu-agent-sub002/internal/errors"
)

// Config is the top-level engine configuration.
type Config struct {
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Oracle    OracleConfig    `mapstructure:"oracle"`
	Knowledge KnowledgeConfig `mapstructure:"knowledge"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Rerank    RerankConfig    `mapstructure:"rerank"`
	Sanitize  SanitizeConfig  `mapstructure:"sanitize"`
	Budget    BudgetConfig    `mapstructure:"budget"`
	Window    WindowConfig    `mapstructure:"window"`
	Evolution EvolutionConfig `mapstructure:"evolution"`
	Deletion  DeletionConfig  `mapstructure:"deletion"`
	Governor  GovernorConfig  `mapstructure:"governor"`
}

// StorageConfig locates the SQLite database.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// PolicyConfig versions the ranking/sanitization policy recorded on receipts.
type PolicyConfig struct {
	Version string `mapstructure:"version"`
}

// EmbeddingConfig selects the embedder behind the vector capability.
type EmbeddingConfig struct {
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
	URL      string `mapstructure:"url"`
	APIKey   string `mapstructure:"api_key"`
	Dims     int    `mapstructure:"dims"`
	// CacheMB bounds the in-process embedding cache; 0 disables it.
	CacheMB int `mapstructure:"cache_mb"`
}

// OracleConfig configures the optional LLM oracle.
type OracleConfig struct {
	Provider string        `mapstructure:"provider"`
	URL      string        `mapstructure:"url"`
	Model    string        `mapstructure:"model"`
	APIKey   string        `mapstructure:"api_key"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// KnowledgeConfig points at a static organization knowledge file. An empty
// file means no knowledge provider.
type KnowledgeConfig struct {
	File string `mapstructure:"file"`
}

// RetrievalConfig tunes hybrid retrieval and its per-call timeouts.
type RetrievalConfig struct {
	TopK             int           `mapstructure:"top_k"`
	FusedLimit       int           `mapstructure:"fused_limit"`
	RRFK             int           `mapstructure:"rrf_k"`
	MaxQueries       int           `mapstructure:"max_queries"`
	RerankMin        int           `mapstructure:"rerank_min"`
	RerankMax        int           `mapstructure:"rerank_max"`
	LexicalTimeout   time.Duration `mapstructure:"lexical_timeout"`
	VectorTimeout    time.Duration `mapstructure:"vector_timeout"`
	RewriteTimeout   time.Duration `mapstructure:"rewrite_timeout"`
	KnowledgeTimeout time.Duration `mapstructure:"knowledge_timeout"`
}

// Band maps ages up to MaxDays (inclusive) to a factor.
type Band struct {
	MaxDays int     `mapstructure:"max_days"`
	Factor  float64 `mapstructure:"factor"`
}

// Bands is a piecewise-constant function of age in days.
type Bands struct {
	Steps  []Band  `mapstructure:"steps"`
	Beyond float64 `mapstructure:"beyond"`
}

// Factor returns the factor for an age in days. Steps are scanned in order.
func (b Bands) Factor(days float64) float64 {
	for _, s := range b.Steps {
		if days <= float64(s.MaxDays) {
			return s.Factor
		}
	}
	return b.Beyond
}

// RerankConfig holds the multi-signal rerank tables.
type RerankConfig struct {
	Decay             Bands              `mapstructure:"decay"`
	Recency           Bands              `mapstructure:"recency"`
	ProvenanceWeights map[string]float64 `mapstructure:"provenance_weights"`
	FrequencyStep     float64            `mapstructure:"frequency_step"`
	FrequencyCap      float64            `mapstructure:"frequency_cap"`
	TailCutoff        float64            `mapstructure:"tail_cutoff"`
}

// SanitizeConfig bounds candidate content before injection.
type SanitizeConfig struct {
	MaxTokenChars   int `mapstructure:"max_token_chars"`
	MaxContentChars int `mapstructure:"max_content_chars"`
}

// SlotConfig is the base and minimum token allocation of one context slot.
type SlotConfig struct {
	Base int `mapstructure:"base"`
	Min  int `mapstructure:"min"`
}

// Slot names. The instruction header and generation reserve are incompressible.
const (
	SlotInstructionHeader = "instruction_header"
	SlotGenerationReserve = "generation_reserve"
	SlotKnowledge         = "knowledge"
	SlotMemory            = "memory"
	SlotSummary           = "summary"
	SlotRecentTurns       = "recent_turns"
)

// BudgetConfig allocates the model window across context slots.
type BudgetConfig struct {
	ModelWindow       int        `mapstructure:"model_window"`
	SafetyMargin      int        `mapstructure:"safety_margin"`
	InstructionHeader SlotConfig `mapstructure:"instruction_header"`
	GenerationReserve SlotConfig `mapstructure:"generation_reserve"`
	Knowledge         SlotConfig `mapstructure:"knowledge"`
	Memory            SlotConfig `mapstructure:"memory"`
	Summary           SlotConfig `mapstructure:"summary"`
	RecentTurns       SlotConfig `mapstructure:"recent_turns"`
	// TruncationOrder lists compressible slots, least critical first.
	TruncationOrder []string `mapstructure:"truncation_order"`
}

// Usable is the token budget after the safety margin.
func (b BudgetConfig) Usable() int {
	return b.ModelWindow - b.SafetyMargin
}

// Slots returns every slot config keyed by name.
func (b BudgetConfig) Slots() map[string]SlotConfig {
	return map[string]SlotConfig{
		SlotInstructionHeader: b.InstructionHeader,
		SlotGenerationReserve: b.GenerationReserve,
		SlotKnowledge:         b.Knowledge,
		SlotMemory:            b.Memory,
		SlotSummary:           b.Summary,
		SlotRecentTurns:       b.RecentTurns,
	}
}

// WindowConfig controls session-window compaction.
type WindowConfig struct {
	MaxEventTokens int `mapstructure:"max_event_tokens"`
	KeepRecent     int `mapstructure:"keep_recent"`
	SummaryTokens  int `mapstructure:"summary_tokens"`
}

// EvolutionConfig sizes the write-path lanes.
type EvolutionConfig struct {
	Workers               int           `mapstructure:"workers"`
	UrgentQueue           int           `mapstructure:"urgent_queue"`
	NormalQueue           int           `mapstructure:"normal_queue"`
	RepeatThreshold       int           `mapstructure:"repeat_threshold"`
	ObservationConfidence float64       `mapstructure:"observation_confidence"`
	CorrectionConfidence  float64       `mapstructure:"correction_confidence"`
	AnalysisTimeout       time.Duration `mapstructure:"analysis_timeout"`
}

// DeletionConfig holds erasure SLA and retry policy.
type DeletionConfig struct {
	DefaultSLA      time.Duration            `mapstructure:"default_sla"`
	TenantSLA       map[string]time.Duration `mapstructure:"tenant_sla"`
	WarnRatio       float64                  `mapstructure:"warn_ratio"`
	MaxRetries      int                      `mapstructure:"max_retries"`
	RetryBackoff    time.Duration            `mapstructure:"retry_backoff"`
	MonitorInterval time.Duration            `mapstructure:"monitor_interval"`
	Workers         int                      `mapstructure:"workers"`
}

// SLAFor returns the deadline window for a tenant.
func (d DeletionConfig) SLAFor(tenantID string) time.Duration {
	if sla, ok := d.TenantSLA[strings.ToLower(tenantID)]; ok && sla > 0 {
		return sla
	}
	return d.DefaultSLA
}

// GovernorConfig tunes background quality control.
type GovernorConfig struct {
	Schedule            string        `mapstructure:"schedule"`
	Lookback            time.Duration `mapstructure:"lookback"`
	StaleAfterDays      int           `mapstructure:"stale_after_days"`
	StalenessThreshold  float64       `mapstructure:"staleness_threshold"`
	ConflictThreshold   float64       `mapstructure:"conflict_threshold"`
	InvalidationFloor   float64       `mapstructure:"invalidation_floor"`
	MinInjections       int           `mapstructure:"min_injections"`
	FeedbackSkew        float64       `mapstructure:"feedback_skew"`
	CalibrationStep     float64       `mapstructure:"calibration_step"`
	SimilarityThreshold float64       `mapstructure:"similarity_threshold"`
}

// Load reads configuration from the given path (or defaults) with
// environment variable overrides (prefix MEMENGINE_).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MEMENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, memerr.Errorf(memerr.CodeConfigReadFailure, "reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, memerr.Errorf(memerr.CodeConfigInvalid, "unmarshalling config: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, memerr.Errorf(memerr.CodeConfigInvalid, "validating config: %w", errors.Join(errs...))
	}

	return &cfg, nil
}

// Default returns the built-in configuration without reading files or env.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.path", "memory-engine.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("policy.version", "2026-10.1")

	v.SetDefault("embedding.provider", "hash")
	v.SetDefault("embedding.dims", 256)
	v.SetDefault("embedding.cache_mb", 32)
	v.SetDefault("oracle.provider", "none")
	v.SetDefault("oracle.timeout", "2s")

	v.SetDefault("retrieval.top_k", 20)
	v.SetDefault("retrieval.fused_limit", 15)
	v.SetDefault("retrieval.rrf_k", 60)
	v.SetDefault("retrieval.max_queries", 3)
	v.SetDefault("retrieval.rerank_min", 5)
	v.SetDefault("retrieval.rerank_max", 8)
	v.SetDefault("retrieval.lexical_timeout", "100ms")
	v.SetDefault("retrieval.vector_timeout", "80ms")
	v.SetDefault("retrieval.rewrite_timeout", "60ms")
	v.SetDefault("retrieval.knowledge_timeout", "80ms")

	v.SetDefault("rerank.decay.steps", []map[string]any{
		{"max_days": 30, "factor": 1.0},
		{"max_days": 90, "factor": 0.85},
		{"max_days": 180, "factor": 0.6},
	})
	v.SetDefault("rerank.decay.beyond", 0.3)
	v.SetDefault("rerank.recency.steps", []map[string]any{
		{"max_days": 7, "factor": 1.2},
		{"max_days": 30, "factor": 1.0},
		{"max_days": 180, "factor": 0.9},
	})
	v.SetDefault("rerank.recency.beyond", 0.8)
	v.SetDefault("rerank.provenance_weights", map[string]float64{
		"observation":       0.8,
		"analysis":          0.9,
		"confirmed_by_user": 1.0,
	})
	v.SetDefault("rerank.frequency_step", 0.1)
	v.SetDefault("rerank.frequency_cap", 1.5)
	v.SetDefault("rerank.tail_cutoff", 0.2)

	v.SetDefault("sanitize.max_token_chars", 64)
	v.SetDefault("sanitize.max_content_chars", 2000)

	v.SetDefault("budget.model_window", 8192)
	v.SetDefault("budget.safety_margin", 256)
	v.SetDefault("budget.instruction_header.base", 300)
	v.SetDefault("budget.instruction_header.min", 200)
	v.SetDefault("budget.generation_reserve.base", 1024)
	v.SetDefault("budget.generation_reserve.min", 768)
	v.SetDefault("budget.knowledge.base", 800)
	v.SetDefault("budget.knowledge.min", 0)
	v.SetDefault("budget.memory.base", 1500)
	v.SetDefault("budget.memory.min", 200)
	v.SetDefault("budget.summary.base", 600)
	v.SetDefault("budget.summary.min", 0)
	v.SetDefault("budget.recent_turns.base", 1800)
	v.SetDefault("budget.recent_turns.min", 300)
	v.SetDefault("budget.truncation_order", []string{SlotSummary, SlotKnowledge, SlotRecentTurns, SlotMemory})

	v.SetDefault("window.max_event_tokens", 1500)
	v.SetDefault("window.keep_recent", 6)
	v.SetDefault("window.summary_tokens", 400)

	v.SetDefault("evolution.workers", 2)
	v.SetDefault("evolution.urgent_queue", 64)
	v.SetDefault("evolution.normal_queue", 256)
	v.SetDefault("evolution.repeat_threshold", 3)
	v.SetDefault("evolution.observation_confidence", 0.5)
	v.SetDefault("evolution.correction_confidence", 0.9)
	v.SetDefault("evolution.analysis_timeout", "1s")

	v.SetDefault("deletion.default_sla", "720h")
	v.SetDefault("deletion.warn_ratio", 0.75)
	v.SetDefault("deletion.max_retries", 5)
	v.SetDefault("deletion.retry_backoff", "30s")
	v.SetDefault("deletion.monitor_interval", "1m")
	v.SetDefault("deletion.workers", 2)

	v.SetDefault("governor.schedule", "*/30 * * * *")
	v.SetDefault("governor.lookback", "168h")
	v.SetDefault("governor.stale_after_days", 180)
	v.SetDefault("governor.staleness_threshold", 0.3)
	v.SetDefault("governor.conflict_threshold", 0.05)
	v.SetDefault("governor.invalidation_floor", 0.15)
	v.SetDefault("governor.min_injections", 5)
	v.SetDefault("governor.feedback_skew", 0.6)
	v.SetDefault("governor.calibration_step", 0.05)
	v.SetDefault("governor.similarity_threshold", 0.85)
}

// Validate checks the configuration for logical errors.
// It returns a slice of all validation errors found, collecting all issues
// rather than stopping at the first one.
func (c *Config) Validate() []error {
	var errs []error

	errs = append(errs, c.validateStorage()...)
	errs = append(errs, c.validateProviders()...)
	errs = append(errs, c.validateRetrieval()...)
	errs = append(errs, c.validateRerank()...)
	errs = append(errs, c.Budget.Validate()...)
	errs = append(errs, c.validateLanes()...)

	return errs
}

func invalid(format string, args ...any) error {
	return memerr.Errorf(memerr.CodeConfigInvalid, "config: "+format, args...)
}

func (c *Config) validateStorage() []error {
	var errs []error
	if strings.TrimSpace(c.Storage.Path) == "" {
		errs = append(errs, invalid("storage.path must not be empty"))
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, invalid("logging.level must be one of [debug, info, warn, error], got %q", c.Logging.Level))
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Logging.Format] {
		errs = append(errs, invalid("logging.format must be one of [text, json], got %q", c.Logging.Format))
	}
	if c.Policy.Version == "" {
		errs = append(errs, invalid("policy.version must not be empty"))
	}
	return errs
}

func (c *Config) validateProviders() []error {
	var errs []error
	validEmbedders := map[string]bool{"none": true, "hash": true, "ollama": true, "openai": true}
	if !validEmbedders[c.Embedding.Provider] {
		errs = append(errs, invalid("embedding.provider must be one of [none, hash, ollama, openai], got %q", c.Embedding.Provider))
	}
	if c.Embedding.Provider == "hash" && c.Embedding.Dims <= 0 {
		errs = append(errs, invalid("embedding.dims must be greater than 0 for the hash embedder, got %d", c.Embedding.Dims))
	}
	if c.Embedding.CacheMB < 0 {
		errs = append(errs, invalid("embedding.cache_mb must not be negative, got %d", c.Embedding.CacheMB))
	}
	validOracles := map[string]bool{"none": true, "openai": true}
	if !validOracles[c.Oracle.Provider] {
		errs = append(errs, invalid("oracle.provider must be one of [none, openai], got %q", c.Oracle.Provider))
	}
	if c.Oracle.Provider != "none" && c.Oracle.Timeout <= 0 {
		errs = append(errs, invalid("oracle.timeout must be positive"))
	}
	return errs
}

func (c *Config) validateRetrieval() []error {
	var errs []error
	r := c.Retrieval
	if r.TopK <= 0 {
		errs = append(errs, invalid("retrieval.top_k must be greater than 0, got %d", r.TopK))
	}
	if r.FusedLimit <= 0 || r.FusedLimit > 2*r.TopK {
		errs = append(errs, invalid("retrieval.fused_limit must be in (0, 2*top_k], got %d", r.FusedLimit))
	}
	if r.RRFK <= 0 {
		errs = append(errs, invalid("retrieval.rrf_k must be greater than 0, got %d", r.RRFK))
	}
	if r.MaxQueries < 1 || r.MaxQueries > 3 {
		errs = append(errs, invalid("retrieval.max_queries must be between 1 and 3, got %d", r.MaxQueries))
	}
	if r.RerankMin < 1 || r.RerankMin > r.RerankMax {
		errs = append(errs, invalid("retrieval.rerank_min must be in [1, rerank_max], got %d", r.RerankMin))
	}
	for name, d := range map[string]time.Duration{
		"lexical_timeout":   r.LexicalTimeout,
		"vector_timeout":    r.VectorTimeout,
		"rewrite_timeout":   r.RewriteTimeout,
		"knowledge_timeout": r.KnowledgeTimeout,
	} {
		if d <= 0 {
			errs = append(errs, invalid("retrieval.%s must be positive", name))
		}
	}
	return errs
}

func (c *Config) validateRerank() []error {
	var errs []error
	for name, bands := range map[string]Bands{"decay": c.Rerank.Decay, "recency": c.Rerank.Recency} {
		prev := -1
		for i, s := range bands.Steps {
			if s.MaxDays <= prev {
				errs = append(errs, invalid("rerank.%s.steps[%d].max_days must be increasing", name, i))
			}
			if s.Factor < 0 {
				errs = append(errs, invalid("rerank.%s.steps[%d].factor must not be negative", name, i))
			}
			prev = s.MaxDays
		}
	}
	for _, p := range []string{"observation", "analysis", "confirmed_by_user"} {
		if w, ok := c.Rerank.ProvenanceWeights[p]; !ok || w <= 0 {
			errs = append(errs, invalid("rerank.provenance_weights.%s must be positive", p))
		}
	}
	if c.Rerank.FrequencyCap < 1 {
		errs = append(errs, invalid("rerank.frequency_cap must be >= 1, got %g", c.Rerank.FrequencyCap))
	}
	if c.Sanitize.MaxTokenChars <= 0 || c.Sanitize.MaxContentChars <= 0 {
		errs = append(errs, invalid("sanitize limits must be positive"))
	}
	return errs
}

// Validate rejects budgets whose minimum allocations cannot fit the usable
// window, so an infeasible budget fails at configuration time.
func (b BudgetConfig) Validate() []error {
	var errs []error
	if b.ModelWindow <= 0 {
		return []error{memerr.Errorf(memerr.CodeBudgetInfeasible, "config: budget.model_window must be greater than 0, got %d", b.ModelWindow)}
	}
	if b.SafetyMargin < 0 || b.SafetyMargin >= b.ModelWindow {
		errs = append(errs, memerr.Errorf(memerr.CodeBudgetInfeasible, "config: budget.safety_margin must be in [0, model_window), got %d", b.SafetyMargin))
	}

	// Incompressible slots always take their base.
	minSum := 0
	for name, s := range b.Slots() {
		if s.Min < 0 || s.Base < s.Min {
			errs = append(errs, memerr.Errorf(memerr.CodeBudgetInfeasible, "config: budget.%s must satisfy 0 <= min <= base, got min=%d base=%d", name, s.Min, s.Base))
		}
		if name == SlotInstructionHeader || name == SlotGenerationReserve {
			minSum += s.Base
		} else {
			minSum += s.Min
		}
	}
	if b.InstructionHeader.Min <= 0 {
		errs = append(errs, memerr.Errorf(memerr.CodeBudgetInfeasible, "config: budget.instruction_header.min must be greater than 0"))
	}
	if b.GenerationReserve.Min <= 0 {
		errs = append(errs, memerr.Errorf(memerr.CodeBudgetInfeasible, "config: budget.generation_reserve.min must be greater than 0"))
	}
	if minSum > b.Usable() {
		errs = append(errs, memerr.Errorf(memerr.CodeBudgetInfeasible,
			"config: budget minimum allocations (%d) exceed model_window - safety_margin (%d)", minSum, b.Usable()))
	}

	want := map[string]bool{SlotKnowledge: true, SlotMemory: true, SlotSummary: true, SlotRecentTurns: true}
	seen := map[string]bool{}
	for _, name := range b.TruncationOrder {
		if !want[name] {
			errs = append(errs, memerr.Errorf(memerr.CodeBudgetInfeasible, "config: budget.truncation_order contains non-compressible or unknown slot %q", name))
			continue
		}
		seen[name] = true
	}
	if len(seen) != len(want) {
		errs = append(errs, memerr.Errorf(memerr.CodeBudgetInfeasible, "config: budget.truncation_order must list each compressible slot exactly once"))
	}
	return errs
}

func (c *Config) validateLanes() []error {
	var errs []error
	e := c.Evolution
	if e.Workers <= 0 || e.UrgentQueue <= 0 || e.NormalQueue <= 0 {
		errs = append(errs, invalid("evolution workers and queue sizes must be greater than 0"))
	}
	if e.RepeatThreshold < 2 {
		errs = append(errs, invalid("evolution.repeat_threshold must be >= 2, got %d", e.RepeatThreshold))
	}
	if e.ObservationConfidence <= 0 || e.ObservationConfidence > 0.5 {
		errs = append(errs, invalid("evolution.observation_confidence must be in (0, 0.5], got %g", e.ObservationConfidence))
	}
	if e.CorrectionConfidence <= 0 || e.CorrectionConfidence > 1 {
		errs = append(errs, invalid("evolution.correction_confidence must be in (0, 1], got %g", e.CorrectionConfidence))
	}

	d := c.Deletion
	if d.DefaultSLA <= 0 {
		errs = append(errs, invalid("deletion.default_sla must be positive"))
	}
	if d.WarnRatio <= 0 || d.WarnRatio >= 1 {
		errs = append(errs, invalid("deletion.warn_ratio must be in (0, 1), got %g", d.WarnRatio))
	}
	if d.MaxRetries < 1 {
		errs = append(errs, invalid("deletion.max_retries must be >= 1, got %d", d.MaxRetries))
	}
	if d.MonitorInterval <= 0 || d.Workers <= 0 {
		errs = append(errs, invalid("deletion.monitor_interval and deletion.workers must be positive"))
	}

	g := c.Governor
	if _, err := cronexpr.Parse(g.Schedule); err != nil {
		errs = append(errs, invalid("governor.schedule %q is not a cron expression: %v", g.Schedule, err))
	}
	if g.SimilarityThreshold <= 0 || g.SimilarityThreshold > 1 {
		errs = append(errs, invalid("governor.similarity_threshold must be in (0, 1], got %g", g.SimilarityThreshold))
	}
	if g.CalibrationStep <= 0 || g.CalibrationStep > 0.2 {
		errs = append(errs, invalid("governor.calibration_step must be in (0, 0.2], got %g", g.CalibrationStep))
	}
	return errs
}
