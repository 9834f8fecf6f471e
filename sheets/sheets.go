// Package sheets reads the operator's catalog from a Google spreadsheet and
// mirrors audit entries to its logs worksheet.
package sheets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"reply-monitor/pkg/replier"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/sheets/v4"
)

// Worksheet names.
const (
	ProfilesSheet  = "profiles"
	KeywordsSheet  = "keywords"
	TemplatesSheet = "templates"
	PromptsSheet   = "prompts"
	LogsSheet      = "logs"
)

// Client reads and appends worksheet rows.
type Client struct {
	service       *sheets.Service
	logger        *slog.Logger
	spreadsheetID string
	attempts      uint
	delay         time.Duration
}

// New creates a client for one spreadsheet.
func New(service *sheets.Service, spreadsheetID string, logger *slog.Logger) *Client {
	return &Client{
		service:       service,
		logger:        logger,
		spreadsheetID: spreadsheetID,
		attempts:      3,
		delay:         time.Second,
	}
}

// Load reads profiles, keyword rules, templates and the judge prompt.
// The prompts worksheet is optional; the others must exist.
func (c *Client) Load(ctx context.Context) (*replier.Catalog, error) {
	var cat replier.Catalog

	rows, err := c.records(ctx, ProfilesSheet)
	if err != nil {
		return nil, err
	}
	for i, r := range rows {
		p, ok := parseProfile(r)
		if !ok {
			c.logger.Warn("Skipping profile row without handle", "row", i+2)
			continue
		}
		cat.Profiles = append(cat.Profiles, p)
	}

	rows, err = c.records(ctx, KeywordsSheet)
	if err != nil {
		return nil, err
	}
	for i, r := range rows {
		rule, err := parseRule(r)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", KeywordsSheet, i+2, err)
		}
		if rule.Keyword == "" {
			continue
		}
		cat.Rules = append(cat.Rules, rule)
	}

	rows, err = c.records(ctx, TemplatesSheet)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		t := replier.Template{ID: r["id"], Body: r["body"], Keyword: r["keyword"]}
		if t.ID == "" || t.Body == "" {
			continue
		}
		cat.Templates = append(cat.Templates, t)
	}

	rows, err = c.records(ctx, PromptsSheet)
	switch {
	case err == nil:
		cat.Prompt = pickPrompt(rows)
	case errors.Is(err, replier.ErrNotFound):
		c.logger.Info("No prompts worksheet, using default judge prompt")
	default:
		return nil, err
	}

	c.logger.Info("Catalog loaded from spreadsheet",
		"profiles", len(cat.Profiles),
		"rules", len(cat.Rules),
		"templates", len(cat.Templates))
	return &cat, nil
}

// Append implements audit.Sink by adding a row to the logs worksheet.
func (c *Client) Append(ctx context.Context, e *replier.AuditEntry) error {
	row := []any{
		e.Time.UTC().Format(time.RFC3339),
		e.Handle,
		e.PostID,
		string(e.Decision),
		strconv.FormatFloat(e.Score, 'f', -1, 64),
		strings.Join(e.Reasons, ", "),
		e.CandidateID,
		string(e.Gate),
		e.GateReason,
		string(e.Dispatch),
		e.ReplyID,
		e.Text,
		e.Error,
	}
	vr := &sheets.ValueRange{Values: [][]any{row}}

	return c.do(ctx, "values.append", func() error {
		_, err := c.service.Spreadsheets.Values.Append(c.spreadsheetID, LogsSheet+"!A:M", vr).
			ValueInputOption("RAW").
			InsertDataOption("INSERT_ROWS").
			Context(ctx).
			Do()
		return err
	})
}

// records returns the data rows of a worksheet keyed by normalized header.
// A missing worksheet yields ErrNotFound.
func (c *Client) records(ctx context.Context, sheet string) ([]map[string]string, error) {
	var vr *sheets.ValueRange
	err := c.do(ctx, "values.get "+sheet, func() error {
		var err error
		vr, err = c.service.Spreadsheets.Values.Get(c.spreadsheetID, sheet).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(vr.Values) == 0 {
		return nil, nil
	}

	header := make([]string, len(vr.Values[0]))
	for i, h := range vr.Values[0] {
		header[i] = normalizeHeader(fmt.Sprint(h))
	}

	out := make([]map[string]string, 0, len(vr.Values)-1)
	for _, row := range vr.Values[1:] {
		rec := make(map[string]string, len(header))
		for i, cell := range row {
			if i < len(header) && header[i] != "" {
				rec[header[i]] = strings.TrimSpace(fmt.Sprint(cell))
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

// do runs one API call with bounded retries and maps failures onto the error taxonomy.
func (c *Client) do(ctx context.Context, op string, fn func() error) error {
	err := retry.Do(
		func() error {
			start := time.Now()
			err := fn()
			if err != nil {
				c.logger.Warn("Sheets API request failed",
					"operation", op,
					"duration_ms", time.Since(start).Milliseconds(),
					"error", err)
				if !transient(err) {
					return retry.Unrecoverable(err)
				}
				return err
			}
			c.logger.Debug("Sheets API request completed", "operation", op, "duration_ms", time.Since(start).Milliseconds())
			return nil
		},
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(c.delay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying Sheets API request after error", "operation", op, "attempt", n, "error", err)
		}),
	)
	if err == nil {
		return nil
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusTooManyRequests:
			return fmt.Errorf("sheets %s: %w", op, &replier.RateLimitError{Service: "sheets"})
		case gerr.Code == http.StatusBadRequest && strings.Contains(gerr.Message, "Unable to parse range"):
			return fmt.Errorf("sheets %s: %w", op, replier.ErrNotFound)
		case gerr.Code == http.StatusNotFound:
			return fmt.Errorf("sheets %s: %w", op, replier.ErrNotFound)
		case gerr.Code >= 400 && gerr.Code < 500:
			return fmt.Errorf("sheets %s: %w: %w", op, replier.ErrAdapterRejected, err)
		}
	}
	return fmt.Errorf("sheets %s: %w: %w", op, replier.ErrAdapterUnavailable, err)
}

func transient(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func normalizeHeader(h string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(h)), " ", "_")
}

func parseProfile(r map[string]string) (replier.Profile, bool) {
	p := replier.Profile{
		Handle: strings.TrimPrefix(r["handle"], "@"),
		Notes:  r["notes"],
		Status: replier.ProfileStatus(strings.ToLower(r["status"])),
	}
	for _, key := range []string{"profile_url", "x_profile_url", "url"} {
		if v := r[key]; v != "" {
			p.URL = v
			break
		}
	}
	if p.Handle == "" {
		p.Handle = handleFromURL(p.URL)
	}
	return p, p.Handle != ""
}

// handleFromURL extracts "name" from https://x.com/name or twitter.com/name.
func handleFromURL(raw string) string {
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	seg, _, _ := strings.Cut(strings.Trim(u.Path, "/"), "/")
	return strings.TrimPrefix(seg, "@")
}

func parseRule(r map[string]string) (replier.Rule, error) {
	rule := replier.Rule{
		Name:       r["name"],
		Keyword:    r["keyword"],
		TemplateID: r["template"],
		Weight:     1,
	}
	if rule.TemplateID == "" {
		rule.TemplateID = r["template_id"]
	}
	if w := r["weight"]; w != "" {
		f, err := strconv.ParseFloat(w, 64)
		if err != nil {
			return replier.Rule{}, fmt.Errorf("weight %q: %w", w, replier.ErrConfigInvalid)
		}
		rule.Weight = f
	}
	return rule, nil
}

// pickPrompt prefers a row named "judge", then the first non-empty prompt.
func pickPrompt(rows []map[string]string) string {
	var first string
	for _, r := range rows {
		p := r["prompt"]
		if p == "" {
			continue
		}
		if strings.EqualFold(r["name"], "judge") {
			return p
		}
		if first == "" {
			first = p
		}
	}
	return first
}
