package analysis

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"claimcare/internal/models"
	"claimcare/internal/report"
)

var (
	// ErrValidation marks bad or insufficient user input.
	ErrValidation = errors.New("validation failed")
	// ErrUpstream marks a transport or model failure; the user may retry.
	ErrUpstream = errors.New("analysis service unavailable")
)

// MinBillTextLength is the least amount of pasted text worth auditing.
const MinBillTextLength = 20

const noIssuesMessage = "No obvious errors or overcharges were found in the provided bill. " +
	"For a more thorough review, consider consulting a professional medical bill auditor."

// Attachment is an inline document sent alongside the prompt.
type Attachment struct {
	MIME string
	Data []byte
}

// ModelClient performs one structured-output generation call. The returned
// bytes are the model's JSON response body.
type ModelClient interface {
	Generate(ctx context.Context, prompt string, attachments []Attachment) ([]byte, error)
}

// AnalyzeInput is the user-supplied material for one audit. ImageData and
// InsurancePDFData are data URIs ("data:<mime>;base64,<payload>").
type AnalyzeInput struct {
	BillText         string `json:"bill_text"`
	ImageData        string `json:"image_data"`
	InsurancePDFData string `json:"insurance_pdf_data"`
}

// Requester validates audit input, calls the AI service, and normalizes
// the heterogeneous response into one AnalysisResult shape. It is
// stateless; retries simply send the request again.
type Requester struct {
	client  ModelClient
	gate    *Gate
	timeout time.Duration
	log     *logrus.Logger
}

// NewRequester builds a Requester. The gate bounds concurrent model calls;
// the timeout caps each call so a hung upstream cannot strand requests.
func NewRequester(client ModelClient, gate *Gate, timeout time.Duration, log *logrus.Logger) *Requester {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Requester{client: client, gate: gate, timeout: timeout, log: log}
}

// Analyze runs one bill audit.
func (r *Requester) Analyze(ctx context.Context, in AnalyzeInput) (*models.AnalysisResult, error) {
	in.BillText = strings.TrimSpace(in.BillText)
	if in.BillText == "" && in.ImageData == "" {
		return nil, fmt.Errorf("%w: provide bill text or a bill image", ErrValidation)
	}
	if in.ImageData != "" {
		// Image wins over text; sending both would double the signal.
		in.BillText = ""
	} else if len(in.BillText) < MinBillTextLength {
		return nil, fmt.Errorf("%w: bill text too short for a useful audit (need at least %d characters)", ErrValidation, MinBillTextLength)
	}

	attachments := make([]Attachment, 0, 2)
	if in.ImageData != "" {
		att, err := decodeDataURI(in.ImageData)
		if err != nil {
			return nil, fmt.Errorf("%w: bill image: %v", ErrValidation, err)
		}
		attachments = append(attachments, att)
	}
	advocate := in.InsurancePDFData != ""
	if advocate {
		att, err := decodeDataURI(in.InsurancePDFData)
		if err != nil {
			return nil, fmt.Errorf("%w: insurance summary: %v", ErrValidation, err)
		}
		attachments = append(attachments, att)
	}

	prompt := buildPrompt(in.BillText, in.ImageData != "", advocate)

	var raw []byte
	call := func() error {
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		var err error
		raw, err = r.client.Generate(callCtx, prompt, attachments)
		return err
	}
	var err error
	if r.gate != nil {
		err = r.gate.Do(ctx, call)
	} else {
		err = call()
	}
	if err != nil {
		if errors.Is(err, ErrBusy) {
			return nil, err
		}
		if r.log != nil {
			r.log.WithError(err).Warn("analysis model call failed")
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	var out modelOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		if r.log != nil {
			r.log.WithError(err).Warn("analysis response not valid JSON")
		}
		return nil, fmt.Errorf("%w: malformed model response", ErrUpstream)
	}
	return normalize(out), nil
}

// normalize folds every response shape the model may produce into one
// AnalysisResult. Field names drifted across mode variants; this is the
// single place that resolves them.
func normalize(out modelOutput) *models.AnalysisResult {
	if !strings.Contains(out.AnalysisMarkdown, "|") && out.DiscrepancyDetails == nil {
		out.AnalysisMarkdown = noIssuesMessage
	}

	res := &models.AnalysisResult{
		AnalysisMarkdown: out.AnalysisMarkdown,
		LogicTrace:       out.LogicTrace,
	}

	if d := out.DiscrepancyDetails; d != nil {
		res.Discrepancy = &models.DiscrepancyDetails{
			PatientName:    d.PatientName,
			ExpectedAmount: d.ExpectedAmount,
			BilledAmount:   d.BilledAmount,
			PlanReference:  d.PlanReference,
		}
	}

	res.BilledTotal = report.ParseAmount(out.TotalBilledAmount)
	res.ExpectedTotal = report.ParseAmount(out.TotalExpectedAmount)
	if res.BilledTotal.IsZero() && res.Discrepancy != nil {
		res.BilledTotal = report.ParseAmount(res.Discrepancy.BilledAmount)
		res.ExpectedTotal = report.ParseAmount(res.Discrepancy.ExpectedAmount)
	}
	if res.BilledTotal.IsZero() {
		res.BilledTotal, res.ExpectedTotal = report.Totals(out.AnalysisMarkdown)
	}

	res.PatientName = out.PatientName
	if res.PatientName == "" && res.Discrepancy != nil {
		res.PatientName = res.Discrepancy.PatientName
	}

	if len(out.LogicTrace) > 0 {
		res.Reasoning = strings.Join(out.LogicTrace, " ")
	} else {
		res.Reasoning = "Potential billing error detected"
	}
	return res
}

// decodeDataURI splits "data:<mime>;base64,<payload>" into its parts.
func decodeDataURI(uri string) (Attachment, error) {
	if !strings.HasPrefix(uri, "data:") {
		return Attachment{}, errors.New("not a data URI")
	}
	rest := uri[len("data:"):]
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return Attachment{}, errors.New("data URI missing payload")
	}
	mime, enc, ok := strings.Cut(meta, ";")
	if !ok || enc != "base64" {
		return Attachment{}, errors.New("data URI must be base64 encoded")
	}
	if mime == "" {
		return Attachment{}, errors.New("data URI missing mime type")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Attachment{}, fmt.Errorf("decode payload: %v", err)
	}
	return Attachment{MIME: mime, Data: data}, nil
}
