// Package sanitize screens handoff payloads before they are accepted into
// the message store. Block-severity findings reject the payload; prompt
// manipulation patterns only produce warnings so that reviewers see them.
package sanitize

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/agenthub/hubd/pkg/models"
)

// FieldViolation is one rejected field with the reason.
type FieldViolation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError carries every violation found in a payload.
type ValidationError struct {
	Violations []FieldViolation
}

func (e *ValidationError) Error() string {
	return "Invalid handoff payload"
}

// Shell metacharacters and destructive commands that have no business inside
// a delegated run command.
var shellInjectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-rf\s+/`),
	regexp.MustCompile("`"),
	regexp.MustCompile(`\$\(`),
	regexp.MustCompile(`\|\s*(sh|bash|zsh)\b`),
	regexp.MustCompile(`[;&|]\s*(curl|wget|nc)\b`),
	regexp.MustCompile(`>\s*/dev/(sd|nvme)`),
	regexp.MustCompile(`\bmkfs\b`),
	regexp.MustCompile(`:\(\)\s*\{`),
}

var pathTraversalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\.\.`),
	regexp.MustCompile(`(?i)%2e%2e`),
	regexp.MustCompile(`^~`),
}

// Control characters other than tab and newline.
var controlCharPattern = regexp.MustCompile("[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]")

var promptOverridePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?previous\s+instructions`),
	regexp.MustCompile(`(?i)disregard\s+(the\s+|all\s+|your\s+)?(previous\s+|prior\s+)?instructions`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+`),
	regexp.MustCompile(`(?i)system\s+prompt`),
	regexp.MustCompile(`(?i)\bjailbreak\b`),
}

// ValidateHandoff applies structural validation and input sanitization to a
// handoff payload and its context. BlockedBy defaults to ["none"] when
// omitted. Returns warnings for prompt-override patterns; returns a
// *ValidationError when any block-severity rule matches.
func ValidateHandoff(payload *models.HandoffPayload, context map[string]string) ([]string, error) {
	var violations []FieldViolation
	var warnings []string

	if strings.TrimSpace(payload.Goal) == "" {
		violations = append(violations, FieldViolation{Field: "goal", Message: "must not be empty"})
	}
	violations = append(violations, checkList("acceptance_criteria", payload.AcceptanceCriteria)...)
	violations = append(violations, checkList("run_commands", payload.RunCommands)...)
	if len(payload.BlockedBy) == 0 {
		payload.BlockedBy = []string{"none"}
	}

	if controlCharPattern.MatchString(payload.Goal) {
		violations = append(violations, FieldViolation{Field: "goal", Message: "contains control characters"})
	}
	for i, criterion := range payload.AcceptanceCriteria {
		if controlCharPattern.MatchString(criterion) {
			violations = append(violations, FieldViolation{
				Field:   fmt.Sprintf("acceptance_criteria[%d]", i),
				Message: "contains control characters",
			})
		}
	}

	for i, command := range payload.RunCommands {
		if controlCharPattern.MatchString(command) {
			violations = append(violations, FieldViolation{
				Field:   fmt.Sprintf("run_commands[%d]", i),
				Message: "contains control characters",
			})
			continue
		}
		for _, pattern := range shellInjectionPatterns {
			if pattern.MatchString(command) {
				violations = append(violations, FieldViolation{
					Field:   fmt.Sprintf("run_commands[%d]", i),
					Message: "matches shell injection pattern",
				})
				break
			}
		}
	}

	for _, key := range []string{"projectDir", "branch"} {
		value, ok := context[key]
		if !ok {
			continue
		}
		for _, pattern := range pathTraversalPatterns {
			if pattern.MatchString(value) {
				violations = append(violations, FieldViolation{
					Field:   "context." + key,
					Message: "matches path traversal pattern",
				})
				break
			}
		}
	}

	for _, text := range append([]string{payload.Goal}, payload.AcceptanceCriteria...) {
		for _, pattern := range promptOverridePatterns {
			if pattern.MatchString(text) {
				warnings = append(warnings, fmt.Sprintf("possible prompt override: %q", pattern.String()))
				break
			}
		}
	}

	if len(violations) > 0 {
		return warnings, &ValidationError{Violations: violations}
	}
	return warnings, nil
}

func checkList(field string, values []string) []FieldViolation {
	if len(values) == 0 {
		return []FieldViolation{{Field: field, Message: "must not be empty"}}
	}
	var violations []FieldViolation
	for i, v := range values {
		if strings.TrimSpace(v) == "" {
			violations = append(violations, FieldViolation{
				Field:   fmt.Sprintf("%s[%d]", field, i),
				Message: "must not be empty",
			})
		}
	}
	return violations
}
