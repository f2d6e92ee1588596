package halts

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"market-alerts/internal/chart"
)

// ReasonCode describes one exchange halt/resumption code.
type ReasonCode struct {
	Code        string
	Title       string
	Description string
	Chart       chart.Hint
	// Halt is false for advisory and market-wide events, which get a minimal message.
	Halt bool
	// Exempt codes are not announced when they resume.
	Exempt bool
	// ResumeAfter synthesizes a resumption time when the feed omits one.
	ResumeAfter time.Duration
}

// ReasonCodes is the reason-code knowledge base keyed by code.
type ReasonCodes map[string]ReasonCode

// Lookup returns the entry for code. Unknown codes are not notified.
func (rc ReasonCodes) Lookup(code string) (ReasonCode, bool) {
	entry, ok := rc[strings.ToUpper(strings.TrimSpace(code))]
	return entry, ok
}

const pauseWindow = 5 * time.Minute

// DefaultReasonCodes returns the built-in Nasdaq table.
func DefaultReasonCodes() ReasonCodes {
	entries := []ReasonCode{
		{Code: "T1", Title: "News Pending", Description: "Trading is halted pending the release of material news.", Chart: chart.HintShort, Halt: true},
		{Code: "T2", Title: "News Released", Description: "The news has begun the dissemination process through a Regulation FD compliant method(s).", Chart: chart.HintShort, Halt: true},
		{Code: "T5", Title: "Single Stock Trading Pause in Effect", Description: "Trading has been paused by NASDAQ due to a 10% or more price move in the security in a five-minute period.", Chart: chart.HintShort, Halt: true, ResumeAfter: pauseWindow},
		{Code: "T6", Title: "Extraordinary Market Activity", Description: "Trading is halted when extraordinary market activity in the security is occurring and NASDAQ determines it is likely to have a material effect on the market for that security.", Chart: chart.HintNone, Halt: true},
		{Code: "T8", Title: "Exchange-Traded-Fund (ETF)", Description: "Trading is halted in an ETF due to the consideration of the extent to which trading has ceased in the underlying security(s) or other unusual conditions detrimental to a fair and orderly market.", Chart: chart.HintNone, Halt: true},
		{Code: "T12", Title: "Additional Information Requested by NASDAQ", Description: "Trading is halted pending receipt of additional information requested by NASDAQ.", Chart: chart.HintLong, Halt: true},
		{Code: "H4", Title: "Non-compliance", Description: "Trading is halted due to the company's non-compliance with NASDAQ listing requirements.", Chart: chart.HintLong, Halt: true},
		{Code: "H9", Title: "Not Current", Description: "Trading is halted because the company is not current in its required filings.", Chart: chart.HintLong, Halt: true},
		{Code: "H10", Title: "SEC Trading Suspension", Description: "The Securities and Exchange Commission has suspended trading in this stock.", Chart: chart.HintLong, Halt: true},
		{Code: "H11", Title: "Regulatory Concern", Description: "Trading is halted in conjunction with another exchange or market for regulatory reasons.", Chart: chart.HintLong, Halt: true},
		{Code: "IPO1", Title: "IPO Issue not yet Trading", Halt: true, Exempt: true},
		{Code: "M1", Title: "Corporate Action", Halt: true},
		{Code: "M2", Title: "Quotation Not Available", Halt: true},
		{Code: "LUDP", Title: "Volatility Trading Pause", Chart: chart.HintShort, Halt: true, ResumeAfter: pauseWindow},
		{Code: "LUDS", Title: "Volatility Trading Pause - Straddle Condition", Chart: chart.HintShort, Halt: true, ResumeAfter: pauseWindow},
		{Code: "M", Title: "Volatility Trading Pause", Description: "Trading has been paused in an Exchange-Listed issue (Market Category Code = C)", Chart: chart.HintShort, Halt: true, ResumeAfter: pauseWindow},
		{Code: "MWC0", Title: "Market Wide Circuit Breaker Halt - Carry over from previous day"},
		{Code: "MWC1", Title: "Market Wide Circuit Breaker Halt - Level 1"},
		{Code: "MWC2", Title: "Market Wide Circuit Breaker Halt - Level 2"},
		{Code: "MWC3", Title: "Market Wide Circuit Breaker Halt - Level 3"},
		{Code: "MWCQ", Title: "Market Wide Circuit Breaker Resumption"},
		{Code: "T3", Title: "News and Resumption Times", Description: "The news has been fully disseminated or the conditions which led to the halt are no longer present. Quotations resume first, followed by trading."},
		{Code: "T7", Title: "Single Stock Trading Pause/Quotation-Only Period", Description: "Quotations have resumed for affected security, but trading remains paused."},
		{Code: "R4", Title: "Qualifications Issues Reviewed/Resolved; Quotations/Trading to Resume"},
		{Code: "R9", Title: "Filing Requirements Satisfied/Resolved; Quotations/Trading To Resume"},
		{Code: "C3", Title: "Issuer News Not Forthcoming; Quotations/Trading To Resume"},
		{Code: "C4", Title: "Qualifications Halt ended; maint. req. met; Resume"},
		{Code: "C9", Title: "Qualifications Halt Concluded; Filings Met; Quotes/Trades To Resume"},
		{Code: "C11", Title: "Trade Halt Concluded By Other Regulatory Auth; Quotes/Trades Resume"},
		{Code: "R1", Title: "New Issue Available", Exempt: true},
		{Code: "R2", Title: "Issue Available"},
		{Code: "IPOQ", Title: "IPO security released for quotation", Exempt: true},
		{Code: "IPOE", Title: "IPO security - positioning window extension", Exempt: true},
		{Code: "O1", Title: "Operations Halt, Contact Market Operations"},
		{Code: "D", Title: "Security deletion from NASDAQ / CQS"},
	}

	codes := make(ReasonCodes, len(entries))
	for _, entry := range entries {
		if entry.Chart == "" {
			entry.Chart = chart.HintNone
		}
		codes[entry.Code] = entry
	}
	return codes
}

type reasonOverride struct {
	Title       *string        `yaml:"title"`
	Description *string        `yaml:"description"`
	Chart       *string        `yaml:"chart"`
	Halt        *bool          `yaml:"halt"`
	Exempt      *bool          `yaml:"exempt"`
	ResumeAfter *time.Duration `yaml:"resume_after"`
	Disabled    bool           `yaml:"disabled"`
}

type reasonFile struct {
	Codes map[string]reasonOverride `yaml:"codes"`
}

// LoadReasonCodes returns the built-in table with the overrides in path
// applied. An empty path returns the defaults.
func LoadReasonCodes(path string) (ReasonCodes, error) {
	codes := DefaultReasonCodes()
	if strings.TrimSpace(path) == "" {
		return codes, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read reason codes: %w", err)
	}
	return applyOverrides(codes, raw)
}

func applyOverrides(codes ReasonCodes, raw []byte) (ReasonCodes, error) {
	var file reasonFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse reason codes: %w", err)
	}

	for code, override := range file.Codes {
		code = strings.ToUpper(strings.TrimSpace(code))
		if override.Disabled {
			delete(codes, code)
			continue
		}
		entry, ok := codes[code]
		if !ok {
			entry = ReasonCode{Code: code, Chart: chart.HintNone}
		}
		if override.Title != nil {
			entry.Title = *override.Title
		}
		if override.Description != nil {
			entry.Description = *override.Description
		}
		if override.Chart != nil {
			hint := chart.Hint(strings.ToLower(*override.Chart))
			switch hint {
			case chart.HintNone, chart.HintShort, chart.HintLong:
				entry.Chart = hint
			default:
				return nil, fmt.Errorf("reason code %s: unknown chart hint %q", code, *override.Chart)
			}
		}
		if override.Halt != nil {
			entry.Halt = *override.Halt
		}
		if override.Exempt != nil {
			entry.Exempt = *override.Exempt
		}
		if override.ResumeAfter != nil {
			entry.ResumeAfter = *override.ResumeAfter
		}
		codes[code] = entry
	}
	return codes, nil
}
