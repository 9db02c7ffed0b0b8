// Package qualtrics is a thin client for the Qualtrics v3 REST API: survey and
// filter listings, question definitions and the three-call response export.
//
// Responses are read with gjson rather than mirrored into structs. The API
// wraps everything in a {"result": …, "meta": …} envelope and we only ever need
// a handful of fields from it.
package qualtrics

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nyashahama/survey-report-backend/internal/aggregate"
	"github.com/nyashahama/survey-report-backend/internal/apperr"
	"github.com/nyashahama/survey-report-backend/internal/export"
)

const (
	// maxEnvelope caps JSON responses. Export archives are streamed separately.
	maxEnvelope = 8 << 20

	// maxPages bounds a listing walk.
	maxPages = 500

	// defaultCallTimeout applies to each JSON call. Archive downloads are
	// bounded by the caller's context only.
	defaultCallTimeout = 60 * time.Second
)

// Survey is one entry of the survey listing.
type Survey struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Filter is a saved response filter. Reports are built per filter, which the
// UI presents as a course section.
type Filter struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Client talks to one Qualtrics data center with a static API token.
// It is safe for concurrent use.
type Client struct {
	baseURL     string
	token       string
	httpClient  *http.Client
	callTimeout time.Duration
	logger      *slog.Logger
}

// BaseURL returns the v3 API root for a data center id such as "iad1".
func BaseURL(dataCenter string) string {
	return fmt.Sprintf("https://%s.qualtrics.com/API/v3", dataCenter)
}

// NewClient returns a Client rooted at baseURL (see BaseURL).
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       token,
		httpClient:  &http.Client{},
		callTimeout: defaultCallTimeout,
		logger:      logger,
	}
}

var _ export.Source = (*Client)(nil)

// ─── LISTINGS ─────────────────────────────────────────────────────────────────

// ListSurveys returns every survey the token can see, following nextPage
// links.
func (c *Client) ListSurveys(ctx context.Context) ([]Survey, error) {
	var out []Survey
	err := c.paginate(ctx, "qualtrics: list surveys", "/surveys", func(el gjson.Result) {
		out = append(out, Survey{ID: el.Get("id").String(), Name: el.Get("name").String()})
	})
	if err != nil {
		return nil, err
	}
	c.logger.Debug("qualtrics: listed surveys", "count", len(out))
	return out, nil
}

// ListFilters returns the saved filters of one survey.
func (c *Client) ListFilters(ctx context.Context, surveyID string) ([]Filter, error) {
	var out []Filter
	path := "/surveys/" + url.PathEscape(surveyID) + "/filters"
	err := c.paginate(ctx, "qualtrics: list filters", path, func(el gjson.Result) {
		out = append(out, Filter{ID: el.Get("filterId").String(), Name: el.Get("filterName").String()})
	})
	if err != nil {
		return nil, err
	}
	c.logger.Debug("qualtrics: listed filters", "survey_id", surveyID, "count", len(out))
	return out, nil
}

// paginate walks nextPage links. A link that was already fetched, or a walk
// longer than maxPages, is a decode error.
func (c *Client) paginate(ctx context.Context, op, path string, each func(gjson.Result)) error {
	seen := make(map[string]struct{})
	next := c.baseURL + path
	for next != "" {
		if _, dup := seen[next]; dup {
			return apperr.Decode(op, fmt.Errorf("nextPage %q repeats", next))
		}
		if len(seen) == maxPages {
			return apperr.Decode(op, fmt.Errorf("more than %d pages", maxPages))
		}
		seen[next] = struct{}{}

		body, err := c.do(ctx, op, http.MethodGet, next, nil)
		if err != nil {
			return err
		}
		result := gjson.GetBytes(body, "result")
		result.Get("elements").ForEach(func(_, el gjson.Result) bool {
			each(el)
			return true
		})
		next = result.Get("nextPage").String()
	}
	return nil
}

// ─── QUESTIONS ────────────────────────────────────────────────────────────────

// Questions returns the survey's question definitions. Choices keep the order
// in which they appear in the response document.
func (c *Client) Questions(ctx context.Context, surveyID string) ([]aggregate.Definition, error) {
	const op = "qualtrics: questions"
	body, err := c.do(ctx, op, http.MethodGet,
		c.baseURL+"/survey-definitions/"+url.PathEscape(surveyID)+"/questions", nil)
	if err != nil {
		return nil, err
	}

	elements := gjson.GetBytes(body, "result.elements")
	if !elements.IsArray() {
		return nil, apperr.Decode(op, errors.New("result.elements is not an array"))
	}

	var defs []aggregate.Definition
	elements.ForEach(func(_, el gjson.Result) bool {
		defs = append(defs, definition(el))
		return true
	})
	c.logger.Debug("qualtrics: fetched questions", "survey_id", surveyID, "count", len(defs))
	return defs, nil
}

func definition(el gjson.Result) aggregate.Definition {
	def := aggregate.Definition{
		ID:   el.Get("QuestionID").String(),
		Text: el.Get("QuestionText").String(),
		Type: el.Get("QuestionType").String(),
	}

	el.Get("Choices").ForEach(func(key, choice gjson.Result) bool {
		def.Choices = append(def.Choices, aggregate.Choice{
			Key:     key.String(),
			Display: choice.Get("Display").String(),
		})
		return true
	})

	if recode := el.Get("RecodeValues"); recode.IsObject() {
		def.Recode = make(map[string]string)
		recode.ForEach(func(key, value gjson.Result) bool {
			def.Recode[key.String()] = value.String()
			return true
		})
	}
	return def
}

// ─── RESPONSE EXPORT ──────────────────────────────────────────────────────────

// StartExport begins a JSON response export restricted to filterID (all
// responses when empty) and returns its progress id.
func (c *Client) StartExport(ctx context.Context, surveyID, filterID string) (string, error) {
	const op = "qualtrics: start export"

	payload := map[string]string{"format": "json"}
	if filterID != "" {
		payload["filterId"] = filterID
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%s: marshal: %w", op, err)
	}

	body, err := c.do(ctx, op, http.MethodPost,
		c.baseURL+"/surveys/"+url.PathEscape(surveyID)+"/export-responses", reqBody)
	if err != nil {
		return "", err
	}

	progressID := gjson.GetBytes(body, "result.progressId").String()
	if progressID == "" {
		return "", apperr.Decode(op, errors.New("response has no result.progressId"))
	}
	return progressID, nil
}

// ExportProgress performs one status check.
func (c *Client) ExportProgress(ctx context.Context, surveyID, progressID string) (export.Progress, error) {
	const op = "qualtrics: export progress"
	body, err := c.do(ctx, op, http.MethodGet,
		c.baseURL+"/surveys/"+url.PathEscape(surveyID)+"/export-responses/"+url.PathEscape(progressID), nil)
	if err != nil {
		return export.Progress{}, err
	}

	result := gjson.GetBytes(body, "result")
	return export.Progress{
		Status: result.Get("status").String(),
		FileID: result.Get("fileId").String(),
	}, nil
}

// DownloadExport returns the zipped export. The caller closes the body. Only
// ctx bounds the transfer, so large archives are not cut off mid-stream.
func (c *Client) DownloadExport(ctx context.Context, surveyID, fileID string) (io.ReadCloser, error) {
	const op = "qualtrics: download export"
	target := c.baseURL + "/surveys/" + url.PathEscape(surveyID) + "/export-responses/" + url.PathEscape(fileID) + "/file"

	resp, err := c.send(ctx, op, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// ─── TRANSPORT ────────────────────────────────────────────────────────────────

// do sends a request and returns the JSON body of a 2xx response. The whole
// call, body included, must finish within callTimeout.
func (c *Client) do(ctx context.Context, op, method, target string, body []byte) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	resp, err := c.send(callCtx, op, method, target, body)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, apperr.Transport(op, 0, fmt.Errorf("no response within %s", c.callTimeout))
		}
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxEnvelope))
	if err != nil {
		return nil, apperr.Transport(op, 0, fmt.Errorf("read body: %w", err))
	}
	if !gjson.ValidBytes(raw) {
		return nil, apperr.Decode(op, fmt.Errorf("invalid JSON: %.200s", raw))
	}
	return raw, nil
}

// send performs the round trip and converts network failures and non-2xx
// statuses into transport errors. On success the caller owns resp.Body.
func (c *Client) send(ctx context.Context, op, method, target string, body []byte) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("X-API-TOKEN", c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperr.Transport(op, 0, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		msg := gjson.GetBytes(raw, "meta.error.errorMessage").String()
		if msg == "" {
			msg = "unknown Qualtrics error"
		}
		c.logger.Error("qualtrics: request failed", "op", op, "status", resp.StatusCode, "error", msg)
		return nil, apperr.Transport(op, resp.StatusCode, errors.New(msg))
	}
	return resp, nil
}
