package domain

import "time"

// EvaluationMetrics is recorded once per rule/enrichment evaluation.
type EvaluationMetrics struct {
	ID               string        `json:"id"`
	Expression       string        `json:"expression,omitempty"`
	EvaluationTime   time.Duration `json:"evaluationTimeNanos"`
	MemoryDeltaBytes int64         `json:"memoryDeltaBytes,omitempty"`
	ComplexityScore  int           `json:"complexityScore"`
	CacheHit         bool          `json:"cacheHit"`
	Error            string        `json:"error,omitempty"`
	Timestamp        time.Time     `json:"timestamp"`
}

// Failed reports whether the evaluation ended in an error.
func (m *EvaluationMetrics) Failed() bool {
	return m != nil && m.Error != ""
}

// PerformanceSnapshot is the running aggregate for one rule/enrichment id.
// Updated incrementally per observation, O(1) in history length.
type PerformanceSnapshot struct {
	ID              string        `json:"id"`
	EvaluationCount int64         `json:"evaluationCount"`
	TotalTime       time.Duration `json:"totalTimeNanos"`
	AverageTime     time.Duration `json:"averageTimeNanos"`
	MinTime         time.Duration `json:"minTimeNanos"`
	MaxTime         time.Duration `json:"maxTimeNanos"`
	TotalMemory     int64         `json:"totalMemoryBytes"`
	AvgComplexity   float64       `json:"averageComplexity"`
	MinComplexity   int           `json:"minComplexity"`
	MaxComplexity   int           `json:"maxComplexity"`
	Successes       int64         `json:"successfulEvaluations"`
	Failures        int64         `json:"failedEvaluations"`
	SuccessRate     float64       `json:"successRate"`
	FirstEvaluation time.Time     `json:"firstEvaluation"`
	LastEvaluation  time.Time     `json:"lastEvaluation"`
}
