package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/huangang/issuesentry/internal/config"
	"github.com/huangang/issuesentry/internal/issue"
	"github.com/huangang/issuesentry/internal/models"
	"github.com/huangang/issuesentry/pkg/logger"
	"gorm.io/gorm"
)

// Delay labels a prediction may carry.
const (
	LabelOnTrack = "On Track"
	LabelAtRisk  = "At Risk"
	LabelDelayed = "Delayed"
)

// ErrInvalidPrediction marks a completion that is not a usable prediction.
// Asking the same model again rarely helps, so callers do not retry it.
var ErrInvalidPrediction = errors.New("invalid prediction")

// Prediction is the scorer's verdict on one issue.
type Prediction struct {
	DelayLabel    string  `json:"ai_delay_label"`
	DelayScore    float64 `json:"ai_delay_score"`
	Summary       string  `json:"ai_summary"`
	PriorityScore float64 `json:"ai_priority_score"`
	LLMConfigID   *uint   `json:"-"`
}

// Predictor scores a normalized issue.
type Predictor interface {
	Predict(ctx context.Context, item *issue.NormalizedIssue) (*Prediction, error)
}

// PredictionService asks the configured LLM backends, in order, for a risk
// prediction until one answers.
type PredictionService struct {
	db     *gorm.DB
	config *config.OpenAIConfig
	call   LLMCaller
}

func NewPredictionService(db *gorm.DB, cfg *config.OpenAIConfig) *PredictionService {
	return &PredictionService{db: db, config: cfg, call: CallLLM}
}

// WithCaller swaps the backend call; used by tests.
func (s *PredictionService) WithCaller(call LLMCaller) *PredictionService {
	s.call = call
	return s
}

func (s *PredictionService) Predict(ctx context.Context, item *issue.NormalizedIssue) (*Prediction, error) {
	payload, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrediction, err)
	}

	llmConfigs := s.orderedLLMConfigs()
	if len(llmConfigs) == 0 {
		return nil, fmt.Errorf("no LLM configuration available")
	}

	var lastErr error
	for i := range llmConfigs {
		llmConfig := &llmConfigs[i]
		content, err := s.call(ctx, llmConfig, riskAnalysisPrompt, string(payload))
		if err != nil {
			lastErr = err
			logger.Warnf("[AI] LLM %s failed for %s: %v, trying next...", llmConfig.Name, item.Key, err)
			continue
		}

		pred, err := ParsePrediction(content)
		if err != nil {
			logger.Warnf("[AI] LLM %s returned an unusable prediction for %s: %v", llmConfig.Name, item.Key, err)
			return nil, err
		}
		if llmConfig.ID != 0 {
			id := llmConfig.ID
			pred.LLMConfigID = &id
		}
		logger.Debugf("[AI] %s scored %s (delay %.2f, priority %.2f) by %s",
			item.Key, pred.DelayLabel, pred.DelayScore, pred.PriorityScore, llmConfig.Name)
		return pred, nil
	}

	return nil, fmt.Errorf("all LLMs failed, last error: %w", lastErr)
}

// orderedLLMConfigs returns the default active row first, then the other
// active rows by id, then the file config when the table is empty.
func (s *PredictionService) orderedLLMConfigs() []models.LLMConfig {
	var configs []models.LLMConfig

	if s.db != nil {
		var defaultConfig models.LLMConfig
		if err := s.db.Where("is_default = ? AND is_active = ?", true, true).First(&defaultConfig).Error; err == nil {
			configs = append(configs, defaultConfig)
		}

		var backups []models.LLMConfig
		s.db.Where("is_active = ?", true).Order("id ASC").Find(&backups)
		for _, c := range backups {
			if len(configs) > 0 && configs[0].ID == c.ID {
				continue
			}
			configs = append(configs, c)
		}
	}

	if len(configs) == 0 && s.config != nil && (s.config.APIKey != "" || s.config.Provider == "ollama") {
		configs = append(configs, models.LLMConfig{
			Name:        "config-file",
			Provider:    s.config.Provider,
			BaseURL:     s.config.BaseURL,
			APIKey:      s.config.APIKey,
			Model:       s.config.Model,
			Temperature: s.config.Temperature,
			MaxTokens:   s.config.MaxTokens,
		})
	}
	return configs
}

// ParsePrediction extracts the JSON object from a completion, normalizes
// the label and clamps both scores into [0, 1].
func ParsePrediction(content string) (*Prediction, error) {
	body := extractJSONObject(content)
	if body == "" {
		return nil, fmt.Errorf("%w: no JSON object in response", ErrInvalidPrediction)
	}

	var raw struct {
		DelayLabel    *string  `json:"ai_delay_label"`
		DelayScore    *float64 `json:"ai_delay_score"`
		Summary       *string  `json:"ai_summary"`
		PriorityScore *float64 `json:"ai_priority_score"`
	}
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrediction, err)
	}
	if raw.DelayLabel == nil || raw.DelayScore == nil || raw.Summary == nil || raw.PriorityScore == nil {
		return nil, fmt.Errorf("%w: missing required keys", ErrInvalidPrediction)
	}

	label, ok := normalizeLabel(*raw.DelayLabel)
	if !ok {
		return nil, fmt.Errorf("%w: unknown delay label %q", ErrInvalidPrediction, *raw.DelayLabel)
	}

	return &Prediction{
		DelayLabel:    label,
		DelayScore:    clamp01(*raw.DelayScore),
		Summary:       strings.TrimSpace(*raw.Summary),
		PriorityScore: clamp01(*raw.PriorityScore),
	}, nil
}

func normalizeLabel(label string) (string, bool) {
	compact := strings.NewReplacer(" ", "", "_", "", "-", "").Replace(strings.ToLower(label))
	switch compact {
	case "ontrack":
		return LabelOnTrack, true
	case "atrisk":
		return LabelAtRisk, true
	case "delayed":
		return LabelDelayed, true
	}
	return "", false
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

// extractJSONObject strips Markdown fences and returns the outermost
// {...} span of content.
func extractJSONObject(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return ""
	}
	return content[start : end+1]
}

const riskAnalysisPrompt = `### Role
You are a project risk analyst evaluating Jira issues. Predict delivery risk and business impact for the issue you are given.

### Input
A JSON object with: key, project_name, team, summary, assignee, reporter, labels,
original_estimate, remaining_estimate, time_logged, worklog_entries, status, due_date,
inactivity_days (days since last update), days_in_current_status, priority.
Estimates are durations such as "1d 4h"; "N/A" means no estimate.

### Output
Return only a JSON object with exactly these keys:
{
  "ai_delay_label": "On Track" | "At Risk" | "Delayed",
  "ai_delay_score": number between 0.00 and 1.00,
  "ai_summary": "one or two sentences explaining the risk",
  "ai_priority_score": number between 0.00 and 1.00
}

### Delay assessment
Weigh time pressure (due date proximity, escalate under 3 days) at 30%,
progress health (time_logged against time_logged plus remaining_estimate) at 25%,
activity risk (more than 7 days inactive is high) at 20%,
blocked status ("Blocked" status or a "blocked" label) at 15%,
and priority at 10%.

### Priority assessment
Base: Critical/Highest 0.9, High 0.7, Medium 0.5, Low/Lowest 0.3.
Add 0.2 when due in under 3 days, 0.3 for a "blocker" label, and 0.1 for each
"security", "compliance" or "legal" label. Cap at 1.0.

### Overrides
- Unassigned issue: "Delayed" with score 0.95.
- Closed or Done issue: "On Track" with score 0.00 and priority score 0.00.
- Negative remaining estimate or past due date: "Delayed" with score 1.00.
- More than 14 days inactive: "Delayed" regardless of status.
- No due date: assume it is due 14 days after the last update.
`
