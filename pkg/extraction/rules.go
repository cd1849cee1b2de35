package extraction

import (
	"fmt"
	"net/mail"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Field rule kinds.
const (
	RuleNumber   = "number"
	RulePercent  = "percent"
	RuleDate     = "date"
	RuleEmail    = "email"
	RuleDocument = "document"
)

type Rule struct {
	Field string `yaml:"field" json:"field"`
	Kind  string `yaml:"kind" json:"kind"`
	Label string `yaml:"label" json:"label"`
}

type RulesConfig struct {
	Rules []Rule `yaml:"rules" json:"rules"`
}

var documentPattern = regexp.MustCompile(`^[\d.-]+$`)

// LoadRules reads field rules from a yaml file, falling back to the compiled
// defaults when no path is configured.
func LoadRules(path string) (RulesConfig, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return DefaultRules(), err
	}

	var cfg RulesConfig
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return RulesConfig{}, err
	}
	if len(cfg.Rules) == 0 {
		return RulesConfig{}, fmt.Errorf("no field rules configured in %s", path)
	}
	return cfg, nil
}

func DefaultRules() RulesConfig {
	return RulesConfig{Rules: []Rule{
		{Field: "capital", Kind: RuleNumber, Label: "Principal"},
		{Field: "interes_plazo", Kind: RuleNumber, Label: "Term interest"},
		{Field: "interes_mora", Kind: RuleNumber, Label: "Default interest"},
		{Field: "gastos_cobranza", Kind: RuleNumber, Label: "Collection fees"},
		{Field: "honorarios", Kind: RuleNumber, Label: "Legal fees"},
		{Field: "total_deuda", Kind: RuleNumber, Label: "Total debt"},
		{Field: "tasa_interes", Kind: RulePercent, Label: "Interest rate"},
		{Field: "tasa_mora", Kind: RulePercent, Label: "Default rate"},
		{Field: "fecha_desembolso", Kind: RuleDate, Label: "Disbursement date"},
		{Field: "fecha_vencimiento", Kind: RuleDate, Label: "Due date"},
		{Field: "fecha_corte", Kind: RuleDate, Label: "Cutoff date"},
		{Field: "deudor_cedula", Kind: RuleDocument, Label: "Debtor document"},
		{Field: "deudor_email", Kind: RuleEmail, Label: "Debtor email"},
		{Field: "codeudor_cedula", Kind: RuleDocument, Label: "Co-debtor document"},
		{Field: "codeudor_email", Kind: RuleEmail, Label: "Co-debtor email"},
	}}
}

// Validate checks flattened extraction data against the rule set and returns
// per-field problems. Absent fields pass: partially validated payloads are
// legitimate.
func (c RulesConfig) Validate(flat map[string]interface{}) map[string]string {
	problems := make(map[string]string)
	for _, rule := range c.Rules {
		value, ok := flat[rule.Field]
		if !ok || value == nil {
			continue
		}
		if msg := checkValue(value, rule.Kind); msg != "" {
			problems[rule.Field] = msg
		}
	}
	return problems
}

func checkValue(value interface{}, kind string) string {
	switch kind {
	case RuleNumber:
		if _, ok := asFloat(value); !ok {
			return "must be a number"
		}
	case RulePercent:
		v, ok := asFloat(value)
		if !ok || v < 0 || v > 100 {
			return "must be a percentage between 0 and 100"
		}
	case RuleDate:
		s, ok := value.(string)
		if !ok {
			return "must be a date string"
		}
		if !parseableDate(s) {
			return "must be a valid date"
		}
	case RuleEmail:
		s, ok := value.(string)
		if !ok {
			return "must be an email string"
		}
		if _, err := mail.ParseAddress(s); err != nil {
			return "must be a valid email"
		}
	case RuleDocument:
		s, ok := value.(string)
		if !ok || !documentPattern.MatchString(s) {
			return "invalid document format"
		}
	}
	return ""
}

func asFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func parseableDate(s string) bool {
	for _, layout := range []string{"2006-01-02", "2006-01-02 15:04:05", time.RFC3339, "02/01/2006"} {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}
