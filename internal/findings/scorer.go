package findings

import "math"

// categoryByCapability is the fixed capability-to-category mapping.
var categoryByCapability = map[string]string{
	"exposure_discovery":    "exposure",
	"darkweb_intelligence":  "darkweb",
	"email_audit":           "email_security",
	"infrastructure_testing": "infrastructure",
	"investigation":         "investigation",
	"network_security":      "network",
}

func categoryFor(capability string) string {
	if c, ok := categoryByCapability[capability]; ok {
		return c
	}
	return "general"
}

// RawFinding is the minimal shape of an executor-emitted finding the Scorer
// needs; it predates identity assignment and persistence.
type RawFinding struct {
	Severity Severity
}

// ScoreInputs are the pure-function inputs to Score: executor output
// plus delta against prior posture.
type ScoreInputs struct {
	Capability    string
	RawFindings   []RawFinding
	ScanResults   map[string]any
	PreviousScore *int
	CurrentScore  *int
}

// Score is a pure function producing zero or more PositiveIndicators from
// the scan-path rules. The resolution-path remediated rule is
// handled separately by Remediated, since it fires from Finding Store
// resolution, not from a scan.
func Score(in ScoreInputs) []PositiveIndicator {
	var out []PositiveIndicator
	category := categoryFor(in.Capability)

	if len(in.RawFindings) == 0 {
		out = append(out, PositiveIndicator{
			IndicatorType: IndicatorNoVulnerabilities,
			Category:      category,
			PointsAwarded: 5,
			Description:   "no findings produced by this scan",
		})
	}

	if in.Capability == "email_audit" && emailConfigIsStrong(in.ScanResults) {
		out = append(out, PositiveIndicator{
			IndicatorType: IndicatorStrongEmailConfig,
			Category:      category,
			PointsAwarded: 10,
			Description:   "SPF, DKIM, and DMARC all pass",
		})
	}

	if in.PreviousScore != nil && in.CurrentScore != nil && *in.PreviousScore > 0 {
		current, previous := float64(*in.CurrentScore), float64(*in.PreviousScore)
		if current > previous {
			percentIncrease := (current - previous) / previous * 100
			if percentIncrease > 10 {
				points := int(math.Floor(percentIncrease/10)) * 3
				if points > 0 {
					out = append(out, PositiveIndicator{
						IndicatorType: IndicatorImprovementTrend,
						Category:      category,
						PointsAwarded: points,
						Description:   "posture score improved by more than 10% since the prior scan",
					})
				}
			}
		}
	}

	return out
}

func emailConfigIsStrong(scanResults map[string]any) bool {
	if scanResults == nil {
		return false
	}
	return statusPasses(scanResults, "spf") && statusPasses(scanResults, "dkim") && statusPasses(scanResults, "dmarc")
}

func statusPasses(scanResults map[string]any, key string) bool {
	section, ok := scanResults[key].(map[string]any)
	if !ok {
		return false
	}
	status, _ := section["status"].(string)
	return status == "pass"
}

// remediatedPoints maps resolution severity to the points awarded by the
// remediated rule: critical=25, high=12, medium=6, low=3, other=2.
func remediatedPoints(severity Severity) int {
	switch severity {
	case SeverityCritical:
		return 25
	case SeverityHigh:
		return 12
	case SeverityMedium:
		return 6
	case SeverityLow:
		return 3
	default:
		return 2
	}
}

// Remediated builds the remediated PositiveIndicator emitted by the
// resolution path, not the scan path.
func Remediated(capability string, severity Severity, findingTitle string) PositiveIndicator {
	return PositiveIndicator{
		IndicatorType: IndicatorRemediated,
		Category:      categoryFor(capability),
		PointsAwarded: remediatedPoints(severity),
		Description:   "remediated: " + findingTitle,
	}
}
