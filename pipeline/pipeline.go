// Package pipeline drives a PDF through parsing, layout analysis, structure
// building, optional enhancement and emission, falling back to an external
// converter when the internal path fails or produces low-confidence output.
package pipeline

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wudi/epubkit/calibre"
	"github.com/wudi/epubkit/enhance"
	"github.com/wudi/epubkit/observability"
	"github.com/wudi/epubkit/ocr"
	"github.com/wudi/epubkit/raster"
)

// Stage is the job's position in the conversion state machine.
type Stage string

const (
	StagePending   Stage = "pending"
	StageParsing   Stage = "parsing"
	StageAnalyzing Stage = "analyzing"
	StageBuilding  Stage = "building"
	StageEnhancing Stage = "enhancing"
	StageEmitting  Stage = "emitting"
	StageFallback  Stage = "fallback-requested"
	StageDone      Stage = "done"
	StageFailed    Stage = "failed"
)

// DiagnosticKind tags the non-fatal condition a Diagnostic records.
type DiagnosticKind string

const (
	// DiagParserWarning covers recovered parse and extraction problems.
	DiagParserWarning DiagnosticKind = "parser-warning"
	// DiagClassificationWarning covers ambiguous layout and structure calls.
	DiagClassificationWarning DiagnosticKind = "classification-warning"
	// DiagOCRFailure is a per-page recognition failure; the page stays empty.
	DiagOCRFailure DiagnosticKind = "ocr-failure"
	// DiagEnhancementUnavailable means the enhancer was configured but could
	// not be used; conversion proceeds without it.
	DiagEnhancementUnavailable DiagnosticKind = "enhancement-unavailable"
	// DiagEmitWarning covers recoverable degradations while packaging.
	DiagEmitWarning DiagnosticKind = "emit-warning"
	// DiagFallbackUsed notes that the output came from the external
	// converter, with the reason the internal path was abandoned.
	DiagFallbackUsed DiagnosticKind = "fallback-used"
)

// Diagnostic is one non-fatal condition accumulated on a job. Diagnostics
// are values, not errors; only conditions that stop progress surface as
// errors.
type Diagnostic struct {
	Stage   Stage
	Kind    DiagnosticKind
	Page    int // 1-based when page-scoped, zero otherwise
	Message string
}

// FallbackFailure is the terminal error when both the internal pipeline and
// the external converter failed. It carries both reasons.
type FallbackFailure struct {
	Primary  error
	Fallback error
}

func (e *FallbackFailure) Error() string {
	return fmt.Sprintf("conversion failed: %v; fallback also failed: %v", e.Primary, e.Fallback)
}

func (e *FallbackFailure) Unwrap() error { return e.Fallback }

// Quality selects the speed/fidelity trade-off for rasterization and image
// re-encoding.
type Quality string

const (
	QualityFast     Quality = "fast"
	QualityStandard Quality = "standard"
	QualityHigh     Quality = "high"
)

func (q Quality) dpi() int {
	switch q {
	case QualityFast:
		return 150
	case QualityHigh:
		return 600
	}
	return 300
}

func (q Quality) maxImageDim() int {
	switch q {
	case QualityFast:
		return 1024
	case QualityHigh:
		return 2400
	}
	return 1600
}

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Config is the per-job configuration, passed in explicitly at job creation.
type Config struct {
	// TargetFormat is the output format; "epub" and "md" are produced
	// natively, everything else goes through the external converter.
	// Empty means "epub".
	TargetFormat string `yaml:"target_format"`
	// Quality controls rasterization DPI and image re-encode limits.
	Quality Quality `yaml:"quality"`
	// Password opens encrypted inputs.
	Password string `yaml:"password"`
	// OCRLanguages are hints for the recognition engine, e.g. "eng", "deu".
	OCRLanguages []string `yaml:"ocr_languages"`
	// EnableEnhancement turns the optional content-enhancement call on.
	EnableEnhancement bool `yaml:"enable_enhancement"`
	// EnhanceTimeout bounds the enhancement call; zero means 30s.
	EnhanceTimeout Duration `yaml:"enhance_timeout"`
	// ConfidenceThreshold routes jobs scoring below it to the external
	// converter after structure building. Zero means 0.5; negative
	// disables the gate.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	// PageConcurrency caps concurrent page extraction; zero means 4.
	PageConcurrency int `yaml:"page_concurrency"`
	// OCRPerSecond rate-limits recognition calls; zero means 1.
	OCRPerSecond float64 `yaml:"ocr_per_second"`

	Logger observability.Logger `yaml:"-"`
}

func (c Config) withDefaults() Config {
	if c.TargetFormat == "" {
		c.TargetFormat = "epub"
	}
	if c.Quality == "" {
		c.Quality = QualityStandard
	}
	if c.EnhanceTimeout <= 0 {
		c.EnhanceTimeout = Duration(30 * time.Second)
	}
	if c.ConfidenceThreshold == 0 {
		c.ConfidenceThreshold = 0.5
	}
	if c.PageConcurrency <= 0 {
		c.PageConcurrency = 4
	}
	if c.OCRPerSecond <= 0 {
		c.OCRPerSecond = 1
	}
	if c.Logger == nil {
		c.Logger = observability.NopLogger{}
	}
	return c
}

// ParseConfig reads a YAML job configuration. Unknown keys are rejected so
// typos surface instead of silently falling back to defaults.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads a YAML job configuration from path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// Capabilities are the external collaborators a job may use. Any of them may
// be nil; the job degrades accordingly (no OCR, no enhancement, no fallback).
type Capabilities struct {
	OCR     ocr.Engine
	Raster  raster.Opener
	Enhance enhance.Enhancer
	Calibre calibre.Runner
}

// Job is one conversion in flight. A Job is exclusively owned by the
// goroutine running Convert; fields are safe to read once Convert returns.
type Job struct {
	cfg  Config
	caps Capabilities
	log  observability.Logger

	Stage       Stage
	Diagnostics []Diagnostic
	// Confidence is the internal path's quality estimate in [0,1];
	// 1.0 means no warnings, no OCR pages, no ambiguous blocks.
	Confidence float64
	// Durations records wall time spent per stage.
	Durations map[Stage]time.Duration
	// FallbackUsed is set when the output came from the external converter.
	FallbackUsed bool
	// OutputFormat is the format of the returned bytes.
	OutputFormat string

	ocrPages    int
	totalPages  int
	ambiguous   int
	totalBlocks int
}

// NewJob creates a job with the given configuration and collaborators.
func NewJob(cfg Config, caps Capabilities) *Job {
	cfg = cfg.withDefaults()
	return &Job{
		cfg:        cfg,
		caps:       caps,
		log:        cfg.Logger,
		Stage:      StagePending,
		Confidence: 1.0,
		Durations:  make(map[Stage]time.Duration),
	}
}

func (j *Job) diag(stage Stage, kind DiagnosticKind, page int, msg string) {
	j.Diagnostics = append(j.Diagnostics, Diagnostic{Stage: stage, Kind: kind, Page: page, Message: msg})
	j.recomputeConfidence()
}

// warningCount is every diagnostic except the fallback-used marker, which
// records a routing decision rather than a defect.
func (j *Job) warningCount() int {
	n := 0
	for _, d := range j.Diagnostics {
		if d.Kind != DiagFallbackUsed {
			n++
		}
	}
	return n
}

// recomputeConfidence rescores the job. Every term only grows as warnings
// accumulate, so the score is monotonically non-increasing.
func (j *Job) recomputeConfidence() {
	j.Confidence = confidenceScore(j.ocrPages, j.totalPages, j.ambiguous, j.totalBlocks, j.warningCount())
}

func confidenceScore(ocrPages, totalPages, ambiguous, totalBlocks, warnings int) float64 {
	var ocrFrac, ambFrac float64
	if totalPages > 0 {
		ocrFrac = float64(ocrPages) / float64(totalPages)
	}
	if totalBlocks > 0 {
		ambFrac = float64(ambiguous) / float64(totalBlocks)
	}
	warnPenalty := min(1.0, float64(warnings)/10)
	penalty := min(1.0, 0.5*ocrFrac+0.3*ambFrac+0.2*warnPenalty)
	return 1 - penalty
}
