package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"time"
)

const resendEndpoint = "https://api.resend.com/emails"

// resendClient is the concrete Sender backed by the Resend API.
type resendClient struct {
	apiKey     string
	fromAddr   string   // e.g. "reports@example.com"
	fromName   string   // e.g. "Survey Reports"
	to         []string // every notification goes to the same list
	baseURL    string   // public API base, e.g. "https://reports.example.com"
	endpoint   string
	httpClient *http.Client
}

// NewResendClient returns a Sender that delivers email via Resend.
func NewResendClient(apiKey, fromAddr, fromName, baseURL string, to []string) Sender {
	return newResendClient(apiKey, fromAddr, fromName, baseURL, to, resendEndpoint)
}

func newResendClient(apiKey, fromAddr, fromName, baseURL string, to []string, endpoint string) *resendClient {
	return &resendClient{
		apiKey:   apiKey,
		fromAddr: fromAddr,
		fromName: fromName,
		to:       to,
		baseURL:  baseURL,
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// ─── RESEND API SHAPES ────────────────────────────────────────────────────────

type resendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

type resendResponse struct {
	ID    string `json:"id"`
	Error *struct {
		Name       string `json:"name"`
		Message    string `json:"message"`
		StatusCode int    `json:"statusCode"`
	} `json:"error"`
}

// ─── SENDER IMPLEMENTATION ────────────────────────────────────────────────────

// SendRunFinished sends the "report ready" or "report failed" email.
func (c *resendClient) SendRunFinished(ctx context.Context, p RunFinishedParams) error {
	runURL := fmt.Sprintf("%s/api/reports/runs/%s", c.baseURL, p.RunID)

	var subject, body string
	if p.Failed {
		subject = fmt.Sprintf("Survey report failed: %s / %s", p.SurveyID, p.SectionID)
		body = runFailedHTML(p, runURL)
	} else {
		subject = fmt.Sprintf("Survey report ready: %s / %s", p.SurveyID, p.SectionID)
		body = runReadyHTML(p, runURL)
	}

	return c.send(ctx, subject, body)
}

// ─── HTTP SEND ────────────────────────────────────────────────────────────────

func (c *resendClient) send(ctx context.Context, subject, body string) error {
	from := fmt.Sprintf("%s <%s>", c.fromName, c.fromAddr)

	reqBody := resendRequest{
		From:    from,
		To:      c.to,
		Subject: subject,
		HTML:    body,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("email: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("email: build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("email: http request: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("email: read response: %w", err)
	}

	var parsed resendResponse
	if err := json.Unmarshal(respBytes, &parsed); err != nil {
		return fmt.Errorf("email: unmarshal response (status %d): %w", resp.StatusCode, err)
	}

	if parsed.Error != nil {
		return fmt.Errorf("email: Resend error %s: %s", parsed.Error.Name, parsed.Error.Message)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("email: unexpected status %d: %.200s", resp.StatusCode, string(respBytes))
	}

	return nil
}

// ─── HTML BODIES ──────────────────────────────────────────────────────────────

const htmlShell = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"></head>
<body style="font-family: sans-serif; color: #1a1a1a; max-width: 560px; margin: 0 auto; padding: 24px;">
%s
  <hr style="border: none; border-top: 1px solid #e5e7eb; margin: 32px 0;">
  <p style="color: #9ca3af; font-size: 12px;">Run %s</p>
</body>
</html>`

func runReadyHTML(p RunFinishedParams, runURL string) string {
	links := fmt.Sprintf(`<a href="%s">Report data</a>`, html.EscapeString(runURL))
	if p.HasPDF {
		links += fmt.Sprintf(` · <a href="%s/pdf">Raw PDF</a>`, html.EscapeString(runURL))
	}

	inner := fmt.Sprintf(`  <h2 style="margin-bottom: 8px;">Report ready</h2>
  <p>The report for survey <strong>%s</strong>, section <strong>%s</strong>
  covers %d responses.</p>
  <p style="margin: 32px 0;">%s</p>`,
		html.EscapeString(p.SurveyID), html.EscapeString(p.SectionID), p.TotalResponses, links)

	return fmt.Sprintf(htmlShell, inner, html.EscapeString(p.RunID))
}

func runFailedHTML(p RunFinishedParams, runURL string) string {
	inner := fmt.Sprintf(`  <h2 style="margin-bottom: 8px;">Report failed</h2>
  <p>The report for survey <strong>%s</strong>, section <strong>%s</strong>
  could not be generated.</p>
  <pre style="background: #f3f4f6; padding: 12px; white-space: pre-wrap;">%s</pre>
  <p style="color: #6b7280; font-size: 14px;">Status: <a href="%s">%s</a></p>`,
		html.EscapeString(p.SurveyID), html.EscapeString(p.SectionID),
		html.EscapeString(p.Reason), html.EscapeString(runURL), html.EscapeString(runURL))

	return fmt.Sprintf(htmlShell, inner, html.EscapeString(p.RunID))
}
