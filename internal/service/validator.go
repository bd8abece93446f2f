package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/mail"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dlclark/regexp2"
	"github.com/rs/zerolog/log"

	"github.com/agentforms/formchat/internal/model"
)

const regexMatchTimeout = 100 * time.Millisecond

// Issue codes written to validation_errors.
const (
	IssueRequired      = "required"
	IssueUnknownField  = "unknown_field"
	IssueInvalidType   = "invalid_type"
	IssueInvalidEmail  = "invalid_email"
	IssueInvalidDate   = "invalid_date"
	IssueInvalidOption = "invalid_option"
	IssueInvalidURL    = "invalid_url"
	IssuePattern       = "pattern_mismatch"
	IssueTooSmall      = "too_small"
	IssueTooLarge      = "too_large"
)

var dateLayouts = []string{"2006-01-02", time.RFC3339}

// FieldValidator checks a submitted value against a schema field's type and
// rule. Patterns are authored for browser clients, so they are compiled in
// ECMAScript mode.
type FieldValidator struct {
	mu       sync.Mutex
	patterns map[string]*regexp2.Regexp
}

func NewFieldValidator() *FieldValidator {
	return &FieldValidator{patterns: make(map[string]*regexp2.Regexp)}
}

// Validate returns nil when the value is acceptable.
func (v *FieldValidator) Validate(field model.Field, value json.RawMessage) model.ValidationIssues {
	if isEmptyValue(value) {
		if field.Required {
			return model.ValidationIssues{{Code: IssueRequired, Message: fmt.Sprintf("%s is required", field.Label)}}
		}
		return nil
	}

	switch field.Type {
	case model.FieldTypeNumber:
		return v.validateNumber(field, value)
	case model.FieldTypeEmail:
		return v.validateString(field, value, checkEmail)
	case model.FieldTypeDate:
		return v.validateString(field, value, checkDate)
	case model.FieldTypeSelect:
		return v.validateString(field, value, checkOption(field.Options))
	case model.FieldTypeMultiSelect:
		return v.validateMulti(field, value)
	case model.FieldTypeAttachment:
		return v.validateString(field, value, checkURL)
	default:
		return v.validateString(field, value, nil)
	}
}

func (v *FieldValidator) validateString(field model.Field, value json.RawMessage, check func(string) *model.ValidationIssue) model.ValidationIssues {
	var s string
	if err := json.Unmarshal(value, &s); err != nil {
		return model.ValidationIssues{{Code: IssueInvalidType, Message: "Expected text"}}
	}
	s = strings.TrimSpace(s)

	var issues model.ValidationIssues
	if check != nil {
		if issue := check(s); issue != nil {
			issues = append(issues, *issue)
		}
	}
	if field.Validation != nil {
		length := float64(len([]rune(s)))
		issues = append(issues, checkBounds(field.Validation, length, "characters")...)
		if issue := v.checkPattern(field.Validation.Regex, s); issue != nil {
			issues = append(issues, *issue)
		}
	}
	return issues
}

func (v *FieldValidator) validateNumber(field model.Field, value json.RawMessage) model.ValidationIssues {
	n, ok := parseNumber(value)
	if !ok {
		return model.ValidationIssues{{Code: IssueInvalidType, Message: "Expected a number"}}
	}
	if field.Validation == nil {
		return nil
	}
	issues := checkBounds(field.Validation, n, "")
	if field.Validation.Regex != "" {
		if issue := v.checkPattern(field.Validation.Regex, strconv.FormatFloat(n, 'f', -1, 64)); issue != nil {
			issues = append(issues, *issue)
		}
	}
	return issues
}

func (v *FieldValidator) validateMulti(field model.Field, value json.RawMessage) model.ValidationIssues {
	var selected []string
	if err := json.Unmarshal(value, &selected); err != nil {
		return model.ValidationIssues{{Code: IssueInvalidType, Message: "Expected a list of options"}}
	}
	if field.Required && len(selected) == 0 {
		return model.ValidationIssues{{Code: IssueRequired, Message: fmt.Sprintf("%s is required", field.Label)}}
	}

	var issues model.ValidationIssues
	check := checkOption(field.Options)
	for _, s := range selected {
		if issue := check(s); issue != nil {
			issues = append(issues, *issue)
		}
	}
	if field.Validation != nil {
		issues = append(issues, checkBounds(field.Validation, float64(len(selected)), "selections")...)
	}
	return issues
}

func (v *FieldValidator) checkPattern(pattern, s string) *model.ValidationIssue {
	if pattern == "" {
		return nil
	}
	re, err := v.compile(pattern)
	if err != nil {
		// A broken rule rejects everything until the schema is fixed.
		log.Error().Err(err).Str("pattern", pattern).Msg("invalid field pattern")
		return &model.ValidationIssue{Code: IssuePattern, Message: "Value could not be checked against the expected format"}
	}
	ok, err := re.MatchString(s)
	if err != nil {
		log.Warn().Err(err).Str("pattern", pattern).Msg("field pattern match failed")
		return &model.ValidationIssue{Code: IssuePattern, Message: "Value could not be checked against the expected format"}
	}
	if !ok {
		return &model.ValidationIssue{Code: IssuePattern, Message: "Value does not match the expected format"}
	}
	return nil
}

func (v *FieldValidator) compile(pattern string) (*regexp2.Regexp, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if re, ok := v.patterns[pattern]; ok {
		return re, nil
	}
	re, err := regexp2.Compile(pattern, regexp2.ECMAScript)
	if err != nil {
		return nil, err
	}
	re.MatchTimeout = regexMatchTimeout
	v.patterns[pattern] = re
	return re, nil
}

func checkBounds(rule *model.ValidationRule, n float64, unit string) model.ValidationIssues {
	var issues model.ValidationIssues
	suffix := ""
	if unit != "" {
		suffix = " " + unit
	}
	if rule.Min != nil && n < *rule.Min {
		issues = append(issues, model.ValidationIssue{
			Code:    IssueTooSmall,
			Message: fmt.Sprintf("Must be at least %s%s", formatNumber(*rule.Min), suffix),
		})
	}
	if rule.Max != nil && n > *rule.Max {
		issues = append(issues, model.ValidationIssue{
			Code:    IssueTooLarge,
			Message: fmt.Sprintf("Must be at most %s%s", formatNumber(*rule.Max), suffix),
		})
	}
	return issues
}

func checkEmail(s string) *model.ValidationIssue {
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s || !strings.Contains(s[strings.LastIndex(s, "@"):], ".") {
		return &model.ValidationIssue{Code: IssueInvalidEmail, Message: "Enter a valid email address"}
	}
	return nil
}

func checkDate(s string) *model.ValidationIssue {
	for _, layout := range dateLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return nil
		}
	}
	return &model.ValidationIssue{Code: IssueInvalidDate, Message: "Enter a date as YYYY-MM-DD"}
}

func checkURL(s string) *model.ValidationIssue {
	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &model.ValidationIssue{Code: IssueInvalidURL, Message: "Attachment must be an http(s) URL"}
	}
	return nil
}

func checkOption(options []string) func(string) *model.ValidationIssue {
	return func(s string) *model.ValidationIssue {
		for _, o := range options {
			if strings.EqualFold(o, s) {
				return nil
			}
		}
		return &model.ValidationIssue{
			Code:    IssueInvalidOption,
			Message: fmt.Sprintf("Choose one of: %s", strings.Join(options, ", ")),
		}
	}
}

func parseNumber(value json.RawMessage) (float64, bool) {
	var n float64
	if err := json.Unmarshal(value, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(value, &s); err != nil {
		return 0, false
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return n, err == nil
}

func isEmptyValue(value json.RawMessage) bool {
	trimmed := bytes.TrimSpace(value)
	switch string(trimmed) {
	case "", "null", `""`, "[]":
		return true
	}
	var s string
	if json.Unmarshal(trimmed, &s) == nil && strings.TrimSpace(s) == "" {
		return true
	}
	return false
}

func formatNumber(n float64) string {
	return strconv.FormatFloat(n, 'f', -1, 64)
}
