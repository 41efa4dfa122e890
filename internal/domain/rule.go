package domain

// RuleConfig defines an operator-supplied CEL rule evaluated after the
// built-in rules.
type RuleConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// CEL expression; must evaluate to bool
	Expression string `json:"expression"`

	// Points added when the expression is true
	Points int `json:"points"`

	// Whether rule is active
	Enabled bool `json:"enabled"`
}
