package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/invledger/postings/internal/config"
	"github.com/invledger/postings/internal/domain"
)

// TokenSource supplies the bearer token for a request. Obtaining it (login
// handshake, refresh) is the implementation's business.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed, pre-issued token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", errors.New("no olap token configured")
	}
	return string(t), nil
}

const olapPath = "/api/v2/reports/olap"

// dateFilterField is the attribute the period filter applies to when the
// mapping carries no posting time.
const dateFilterField = "DateTime.DateTyped"

type OLAPOptions struct {
	BaseURL       string
	Tokens        TokenSource
	Timeout       time.Duration
	RatePerMinute int
	Retry         RetryConfig
	Mapping       config.Mapping
	HTTPClient    *http.Client
}

// OLAPClient fetches the transactions OLAP report over HTTP.
type OLAPClient struct {
	baseURL string
	tokens  TokenSource
	http    *http.Client
	limiter *rate.Limiter
	retry   *Retryer
	mapping config.Mapping
	log     *logrus.Entry
}

func NewOLAPClient(opts OLAPOptions, logger *logrus.Logger) *OLAPClient {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	perMinute := opts.RatePerMinute
	if perMinute <= 0 {
		perMinute = 10
	}
	if opts.Retry.Name == "" {
		opts.Retry.Name = "olap"
	}
	return &OLAPClient{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		tokens:  opts.Tokens,
		http:    client,
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60), 1),
		retry:   NewRetryer(opts.Retry, logger),
		mapping: opts.Mapping,
		log:     logger.WithField("component", "olap"),
	}
}

// NewOLAPClientFromConfig wires the client from a run config.
func NewOLAPClientFromConfig(cfg *config.Config, logger *logrus.Logger) *OLAPClient {
	retry := DefaultRetryConfig("olap")
	retry.MaxAttempts = cfg.OLAP.RetryAttempts
	return NewOLAPClient(OLAPOptions{
		BaseURL:       cfg.OLAP.BaseURL,
		Tokens:        StaticToken(cfg.OLAP.Token),
		Timeout:       cfg.FetchTimeout,
		RatePerMinute: cfg.OLAP.RatePerMinute,
		Retry:         retry,
		Mapping:       cfg.Mapping,
	}, logger)
}

func (c *OLAPClient) Name() string { return "olap" }

type olapFilter struct {
	FilterType  string   `json:"filterType"`
	PeriodType  string   `json:"periodType,omitempty"`
	From        string   `json:"from,omitempty"`
	To          string   `json:"to,omitempty"`
	IncludeLow  *bool    `json:"includeLow,omitempty"`
	IncludeHigh *bool    `json:"includeHigh,omitempty"`
	Values      []string `json:"values,omitempty"`
}

type olapRequest struct {
	ReportType       string                `json:"reportType"`
	BuildSummary     bool                  `json:"buildSummary"`
	GroupByRowFields []string              `json:"groupByRowFields"`
	AggregateFields  []string              `json:"aggregateFields"`
	Filters          map[string]olapFilter `json:"filters"`
}

type olapResponse struct {
	Data []map[string]any `json:"data"`
}

// BuildRequest assembles the report request for period and f. The date
// range is half-open like the period itself.
func (c *OLAPClient) BuildRequest(period domain.Period, f Filters) ([]byte, error) {
	var group, aggregate []string
	for _, col := range c.mapping.Fields {
		if col != "" {
			group = append(group, col)
		}
	}
	for _, col := range c.mapping.Measures {
		if col != "" {
			aggregate = append(aggregate, col)
		}
	}
	sort.Strings(group)
	sort.Strings(aggregate)

	dateField := c.mapping.Fields[domain.FieldPostingTime]
	if dateField == "" {
		dateField = dateFilterField
	}
	yes, no := true, false
	filters := map[string]olapFilter{
		dateField: {
			FilterType:  "DateRange",
			PeriodType:  "CUSTOM",
			From:        period.FromString(),
			To:          period.ToString(),
			IncludeLow:  &yes,
			IncludeHigh: &no,
		},
	}
	if len(f.TransactionKinds) > 0 {
		filters[c.mapping.Fields[domain.FieldTransactionKind]] = olapFilter{FilterType: "IncludeValues", Values: f.TransactionKinds}
	}
	if len(f.ProductTypes) > 0 {
		filters["Product.Type"] = olapFilter{FilterType: "IncludeValues", Values: f.ProductTypes}
	}

	return json.Marshal(olapRequest{
		ReportType:       "TRANSACTIONS",
		GroupByRowFields: group,
		AggregateFields:  aggregate,
		Filters:          filters,
	})
}

func (c *OLAPClient) Fetch(ctx context.Context, period domain.Period, f Filters) (*Fetched, error) {
	body, err := c.BuildRequest(period, f)
	if err != nil {
		return nil, c.fail(fmt.Errorf("build request: %w", err))
	}

	var fetched *Fetched
	err = c.retry.Execute(ctx, func(attempt int) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return Permanent(fmt.Errorf("rate limiter: %w", err))
		}
		start := time.Now()
		res, err := c.post(ctx, body)
		if err != nil {
			return err
		}
		c.log.WithFields(logrus.Fields{
			"attempt":  attempt,
			"period":   period.String(),
			"rows":     len(res.Rows),
			"duration": time.Since(start).String(),
		}).Info("olap report fetched")
		fetched = res
		return nil
	})
	if err != nil {
		return nil, c.fail(err)
	}
	return fetched, nil
}

func (c *OLAPClient) post(ctx context.Context, body []byte) (*Fetched, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, Permanent(fmt.Errorf("token: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+olapPath, bytes.NewReader(body))
	if err != nil {
		return nil, Permanent(fmt.Errorf("new request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, snippet(payload))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, Permanent(fmt.Errorf("status %d: %s", resp.StatusCode, snippet(payload)))
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var parsed olapResponse
	if err := dec.Decode(&parsed); err != nil {
		return nil, Permanent(fmt.Errorf("decode response: %w", err))
	}

	rows := make([]domain.RawRow, len(parsed.Data))
	for i, r := range parsed.Data {
		rows[i] = domain.RawRow(r)
	}
	return &Fetched{Rows: rows, Checksum: checksum(payload)}, nil
}

func (c *OLAPClient) fail(err error) error {
	return &domain.SourceFetchError{Source: c.Name(), Err: err}
}

func snippet(b []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
