package observability

// Metric field names, kept as constants so log collectors can aggregate
// conversions without parsing message text.
const (
	MetricStageDurationMS = "stage_duration_ms"
	MetricConfidence      = "confidence_score"
	MetricPages           = "pages"
	MetricOCRPages        = "ocr_pages"
	MetricFallbackUsed    = "fallback_used"
)
