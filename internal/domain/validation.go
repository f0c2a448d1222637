package domain

// ValidationResult is the final consistency verdict for a run.
type ValidationResult struct {
	OK          bool     `json:"ok"`
	Errors      []string `json:"errors"`
	Recoverable bool     `json:"recoverable"`
}
