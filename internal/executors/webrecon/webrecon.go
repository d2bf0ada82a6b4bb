// Package webrecon implements a reference exposure-discovery Executor: it
// fetches a target's HTML, extracts forms with goquery, and flags forms
// that collect sensitive input without CSRF protection.
package webrecon

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/blackflagsec/sentinel/internal/capability"
	"github.com/blackflagsec/sentinel/internal/findings"
	"github.com/blackflagsec/sentinel/internal/jobs"
)

var csrfPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(csrf[_-]?token|_token|authenticity_token)`),
	regexp.MustCompile(`(?i)(x-csrf-token|csrf)`),
}

var sensitiveNamePatterns = []string{"password", "pass", "secret", "token", "key", "ssn", "credit"}

type formField struct {
	name      string
	fieldType string
	sensitive bool
}

type form struct {
	action   string
	method   string
	hasCSRF  bool
	csrfName string
	fields   []formField
}

func isSensitiveField(fieldType, name string) bool {
	name = strings.ToLower(name)
	fieldType = strings.ToLower(fieldType)
	if fieldType == "password" || fieldType == "email" || fieldType == "tel" {
		return true
	}
	for _, pattern := range sensitiveNamePatterns {
		if strings.Contains(name, pattern) {
			return true
		}
	}
	return false
}

func hasSensitiveFields(fields []formField) bool {
	for _, f := range fields {
		if f.sensitive {
			return true
		}
	}
	return false
}

func formID(action, method string) string {
	sum := sha256.Sum256([]byte(action + "|" + method))
	return fmt.Sprintf("%x", sum)[:16]
}

// extractForms parses htmlContent and returns every form that either
// carries a CSRF token or collects a sensitive field: forms that are
// security-relevant one way or the other. Forms with no action or an
// action of "#" are skipped.
func extractForms(htmlContent string) []form {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlContent))
	if err != nil {
		return nil
	}

	var forms []form
	doc.Find("form").Each(func(_ int, s *goquery.Selection) {
		action, _ := s.Attr("action")
		method, _ := s.Attr("method")
		if method == "" {
			method = "GET"
		}
		if action == "" || action == "#" {
			return
		}

		f := form{action: action, method: strings.ToUpper(method)}

		s.Find("input, select, textarea").Each(func(_ int, field *goquery.Selection) {
			fieldType, _ := field.Attr("type")
			if fieldType == "" {
				fieldType = "text"
			}
			name, _ := field.Attr("name")
			if name == "" {
				return
			}

			if !f.hasCSRF {
				for _, pattern := range csrfPatterns {
					if pattern.MatchString(name) {
						f.hasCSRF = true
						f.csrfName = name
					}
				}
			}

			f.fields = append(f.fields, formField{
				name:      name,
				fieldType: fieldType,
				sensitive: isSensitiveField(fieldType, name),
			})
		})

		if f.hasCSRF || hasSensitiveFields(f.fields) {
			forms = append(forms, f)
		}
	})
	return forms
}

// Client is the subset of *http.Client an Executor needs, narrowed for
// testability.
type Client interface {
	Do(req *http.Request) (*http.Response, error)
}

// New returns an Executor for jobs.CapabilityExposureDiscovery. client
// defaults to an http.Client with a 15s timeout when nil.
func New(client Client) capability.Executor {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}

	return func(ctx context.Context, tenantID, target string, config map[string]any, sink capability.ProgressSink) (capability.Result, error) {
		sink.Log(jobs.LogInfo, fmt.Sprintf("fetching %s", target))
		sink.Progress(10)

		url := target
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			url = "https://" + url
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return capability.Result{}, fmt.Errorf("webrecon: build request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			return capability.Result{}, fmt.Errorf("webrecon: fetch %s: %w", url, err)
		}
		defer resp.Body.Close()

		sink.Progress(40)
		body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
		if err != nil {
			return capability.Result{}, fmt.Errorf("webrecon: read body: %w", err)
		}

		sink.Log(jobs.LogInfo, "parsing forms")
		sink.Progress(70)
		forms := extractForms(string(body))

		var result capability.Result
		var exposedCount int

		for _, f := range forms {
			if f.hasCSRF || !hasSensitiveFields(f.fields) {
				continue
			}
			exposedCount++

			var fieldNames []string
			for _, fld := range f.fields {
				if fld.sensitive {
					fieldNames = append(fieldNames, fld.name)
				}
			}

			result.Findings = append(result.Findings, findings.Finding{
				TenantID:    tenantID,
				Capability:  string(jobs.CapabilityExposureDiscovery),
				Severity:    findings.SeverityMedium,
				Status:      findings.StatusActive,
				Title:       "Form collects sensitive data without CSRF protection",
				Description: fmt.Sprintf("Form posting to %s %s collects sensitive fields (%s) with no CSRF token present.", f.method, f.action, strings.Join(fieldNames, ", ")),
				Evidence: map[string]any{
					"form_id":        formID(f.action, f.method),
					"action":         f.action,
					"method":         f.method,
					"sensitive_form": fieldNames,
				},
				AffectedAssets:  []string{target},
				Recommendations: []string{"Add a CSRF token to this form", "Serve the form over HTTPS if not already"},
				RiskScore:       55,
				Target:          target,
			})
		}

		if exposedCount == 0 && len(forms) > 0 {
			result.PositiveIndicators = append(result.PositiveIndicators, findings.PositiveIndicator{
				IndicatorType: findings.IndicatorNoVulnerabilities,
				Category:      "exposure",
				PointsAwarded: 5,
				Description:   "no forms collecting sensitive data without CSRF protection",
			})
		}

		result.Metadata = map[string]any{
			"forms_discovered": len(forms),
			"forms_exposed":    exposedCount,
			"response_bytes":   len(body),
		}

		sink.Progress(100)
		return result, nil
	}
}
