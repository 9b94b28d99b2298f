package analysis

import "strings"

// modelOutput mirrors the JSON response schema the model is instructed to
// produce. Only analysisMarkdown is required.
type modelOutput struct {
	AnalysisMarkdown    string            `json:"analysisMarkdown"`
	DiscrepancyDetails  *modelDiscrepancy `json:"discrepancyDetails,omitempty"`
	LogicTrace          []string          `json:"logicTrace,omitempty"`
	TotalBilledAmount   string            `json:"totalBilledAmount,omitempty"`
	TotalExpectedAmount string            `json:"totalExpectedAmount,omitempty"`
	PatientName         string            `json:"patientName,omitempty"`
}

type modelDiscrepancy struct {
	PatientName    string `json:"patientName,omitempty"`
	ExpectedAmount string `json:"expectedAmount,omitempty"`
	BilledAmount   string `json:"billedAmount,omitempty"`
	PlanReference  string `json:"planReference,omitempty"`
}

const promptHeader = `You are a professional medical billing auditor expert.

Before you start the audit, scan the text for any Patient Names, Birthdays, SSNs, or Member IDs. If you find them, immediately replace them with [REDACTED] in your internal processing and never show them in the final output. Only focus on the CPT codes, descriptions, and prices.

Analyze the provided medical bill (text or image). Extract all line items and then perform an audit.

For every single error you find, you MUST include a 'logicTrace' entry in the output. This is a justification for your finding.
Example logic trace entry: 'Flag: Unbundling. Reason: CPT 12001 (simple repair) is an integral component of CPT 19301 (mastectomy) per NCCI Procedure-to-Procedure (PTP) edits. Reference: National Correct Coding Initiative guidelines.'
`

const promptAdvocate = `You are in 'Advocate Mode'. A PDF of the user's insurance Summary of Benefits and Coverage (SBC) has been provided. You MUST cross-reference the bill against the SBC's 'Patient Responsibility' section (Deductibles, Co-pays, Co-insurance, etc.).

Your primary goal is to find discrepancies where the patient was charged more than their responsibility outlined in the SBC. If you find such a discrepancy, you MUST begin your analysisMarkdown with the line: '### Point-of-Sale Discrepancy Found!'.

In addition to the markdown table, you MUST populate the 'discrepancyDetails' object: the patient's name if available (otherwise "the patient"), the specific expected cost from the SBC (e.g., "$20.00 Co-pay"), the amount the patient was actually billed, and the page or section of the SBC that confirms it (e.g., "Page 4, Co-payment section").

When describing the issue in the markdown table, you MUST quote the relevant text from the SBC PDF as evidence.
Example: 'Discrepancy found. Bill charges $100. SBC (Page 4, Section "Specialist Visit") states: "Co-payment: $50.00".'
`

const promptStandard = `You are in 'Standard Audit' mode. No insurance summary was provided. Perform a standard audit based on common medical billing practices. Look for:
1. Upcoding (billing for a more complex service than provided)
2. Unbundling (separating services that should be one code)
3. Duplicate charges
`

const promptFooter = `Return the results as a clean markdown table in 'analysisMarkdown' with columns for 'Line Item', 'Potential Issue', and 'Estimated Savings'. Also return 'totalBilledAmount' and 'totalExpectedAmount' as dollar figures when they can be determined.`

// buildPrompt assembles the audit instruction for the selected mode.
// Attachments (bill image, insurance PDF) ride alongside as inline parts.
func buildPrompt(billText string, hasImage, advocate bool) string {
	var b strings.Builder
	b.WriteString(promptHeader)
	b.WriteString("\n")
	if advocate {
		b.WriteString(promptAdvocate)
	} else {
		b.WriteString(promptStandard)
	}
	b.WriteString("\n")
	b.WriteString(promptFooter)
	if billText != "" {
		b.WriteString("\n\nMedical Bill Text:\n")
		b.WriteString(billText)
	}
	if hasImage {
		b.WriteString("\n\nThe medical bill is attached as an image.")
	}
	if advocate {
		b.WriteString("\nThe insurance Summary of Benefits and Coverage is attached as a PDF.")
	}
	return b.String()
}
