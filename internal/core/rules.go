package core

import (
	"fmt"
)

// Reading is the flattened view of a measurement handed to rules. Rules never
// see the stored entity; the engine stays decoupled from persistence.
type Reading struct {
	MeasureType string
	Value       *float64
}

// NewReading builds the rule-engine view of a stored measurement.
func NewReading(m *Measurement) Reading {
	r := Reading{MeasureType: m.MeasureType}
	if v, ok := m.Value(); ok {
		r.Value = &v
	}
	return r
}

// Rule is one configured alert predicate. Each rule filters on its own
// measurement kind; a reading of a foreign kind never triggers. Severity may
// depend on the reading, not just the rule.
type Rule interface {
	TypeTag() string
	Severity(reading Reading) string
	IsTriggered(reading Reading) bool
	Message(reading Reading) string
}

// TriggeredRule pairs a fired rule with the message it rendered for the
// reading that fired it.
type TriggeredRule struct {
	TypeTag  string
	Severity string
	Message  string
}

// RuleEngine evaluates an ordered rule list against readings. The list is
// assembled once at startup and only grows through AddRule.
type RuleEngine struct {
	rules []Rule
}

func NewRuleEngine(rules ...Rule) *RuleEngine {
	return &RuleEngine{rules: rules}
}

// AddRule appends a rule to the evaluation order.
func (e *RuleEngine) AddRule(rule Rule) {
	e.rules = append(e.rules, rule)
}

// Rules returns the engine's evaluation order.
func (e *RuleEngine) Rules() []Rule {
	return e.rules
}

// Evaluate runs every rule against the reading in list order and returns all
// triggers. There is no priority or short-circuit.
func (e *RuleEngine) Evaluate(reading Reading) []TriggeredRule {
	var triggered []TriggeredRule
	for _, rule := range e.rules {
		if rule.IsTriggered(reading) {
			triggered = append(triggered, TriggeredRule{
				TypeTag:  rule.TypeTag(),
				Severity: rule.Severity(reading),
				Message:  rule.Message(reading),
			})
		}
	}
	return triggered
}

// --- Built-in rules ---

// TemperatureRule fires when a temperature reading leaves [min, max].
type TemperatureRule struct {
	Min float64
	Max float64
}

func (r TemperatureRule) TypeTag() string         { return "temperature_threshold" }
func (r TemperatureRule) Severity(Reading) string { return SeverityHigh }

func (r TemperatureRule) IsTriggered(reading Reading) bool {
	if reading.MeasureType != MeasureTypeTemperature || reading.Value == nil {
		return false
	}
	return *reading.Value < r.Min || *reading.Value > r.Max
}

func (r TemperatureRule) Message(reading Reading) string {
	if reading.Value == nil {
		return ""
	}
	v := *reading.Value
	if v < r.Min {
		return fmt.Sprintf("Temperature alert: %.1f°C is below the minimum threshold of %.1f°C", v, r.Min)
	}
	return fmt.Sprintf("Temperature alert: %.1f°C exceeds the maximum threshold of %.1f°C", v, r.Max)
}

// HumidityRule fires when a humidity reading leaves [min, max] percent.
type HumidityRule struct {
	Min float64
	Max float64
}

func (r HumidityRule) TypeTag() string         { return "humidity_threshold" }
func (r HumidityRule) Severity(Reading) string { return SeverityMedium }

func (r HumidityRule) IsTriggered(reading Reading) bool {
	if reading.MeasureType != MeasureTypeHumidity || reading.Value == nil {
		return false
	}
	return *reading.Value < r.Min || *reading.Value > r.Max
}

func (r HumidityRule) Message(reading Reading) string {
	if reading.Value == nil {
		return ""
	}
	v := *reading.Value
	if v < r.Min {
		return fmt.Sprintf("Humidity alert: %.1f%% is below the minimum threshold of %.1f%%", v, r.Min)
	}
	return fmt.Sprintf("Humidity alert: %.1f%% exceeds the maximum threshold of %.1f%%", v, r.Max)
}

// BatteryRule fires when a battery reading drops below min percent. Readings
// at or below the critical floor escalate the severity.
type BatteryRule struct {
	Min      float64
	Critical float64
}

func (r BatteryRule) TypeTag() string { return "battery_low" }

// Severity escalates when the reading is at or below the critical floor.
func (r BatteryRule) Severity(reading Reading) string {
	if reading.Value != nil && *reading.Value <= r.Critical {
		return SeverityCritical
	}
	return SeverityLow
}

func (r BatteryRule) IsTriggered(reading Reading) bool {
	if reading.MeasureType != MeasureTypeBattery || reading.Value == nil {
		return false
	}
	return *reading.Value < r.Min
}

func (r BatteryRule) Message(reading Reading) string {
	if reading.Value == nil {
		return ""
	}
	v := *reading.Value
	if v <= r.Critical {
		return fmt.Sprintf("Battery alert: %.0f%% is critically low (floor %.0f%%)", v, r.Critical)
	}
	return fmt.Sprintf("Battery alert: %.0f%% is below the minimum threshold of %.0f%%", v, r.Min)
}

// --- Configuration builder ---

// RuleConfig is one entry of the ordered rule list consumed at startup.
type RuleConfig struct {
	RuleType string                 `mapstructure:"rule_type"`
	Params   map[string]interface{} `mapstructure:"params"`
}

// BuildRules assembles the engine's rule list from configuration, preserving
// order. Unknown rule types are a startup error, not a silent skip.
func BuildRules(configs []RuleConfig) ([]Rule, error) {
	rules := make([]Rule, 0, len(configs))
	for i, cfg := range configs {
		switch cfg.RuleType {
		case "temperature_threshold":
			rules = append(rules, TemperatureRule{
				Min: floatParam(cfg.Params, "min", 0),
				Max: floatParam(cfg.Params, "max", 30),
			})
		case "humidity_threshold":
			rules = append(rules, HumidityRule{
				Min: floatParam(cfg.Params, "min", 20),
				Max: floatParam(cfg.Params, "max", 80),
			})
		case "battery_low":
			rules = append(rules, BatteryRule{
				Min:      floatParam(cfg.Params, "min", 15),
				Critical: floatParam(cfg.Params, "critical", 5),
			})
		default:
			return nil, fmt.Errorf("rules[%d]: unknown rule_type %q", i, cfg.RuleType)
		}
	}
	return rules, nil
}

func floatParam(params map[string]interface{}, key string, fallback float64) float64 {
	v, ok := params[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return fallback
	}
}
