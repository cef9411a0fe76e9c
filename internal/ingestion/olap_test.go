package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invledger/postings/internal/config"
	"github.com/invledger/postings/internal/domain"
)

var testPeriod = domain.Period{
	From: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	To:   time.Date(2024, 1, 9, 0, 0, 0, 0, time.UTC),
}

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Name: "olap-test"}
}

func newTestClient(url string, attempts int) *OLAPClient {
	logger, _ := logtest.NewNullLogger()
	return NewOLAPClient(OLAPOptions{
		BaseURL:       url + "/",
		Tokens:        StaticToken("secret"),
		Timeout:       2 * time.Second,
		RatePerMinute: 60000,
		Retry:         fastRetry(attempts),
		Mapping:       config.DefaultOLAPMapping(),
	}, logger)
}

const sampleResponse = `{"data":[
	{"Department":"Кухня","Product.Num":42,"TransactionType":"WRITEOFF","DateTime.Typed":"2024-01-03T10:00:00","Amount.Out":1.5},
	{"Department":"Бар","Product.Num":"7","TransactionType":"PRODUCTION","DateTime.Typed":"2024-01-04T11:00:00","Amount.In":"2,25"}
],"summary":[]}`

func TestOLAP_Fetch(t *testing.T) {
	var body olapRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v2/reports/olap", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		raw, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(raw, &body))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, sampleResponse)
	}))
	defer srv.Close()

	got, err := newTestClient(srv.URL, 3).Fetch(context.Background(), testPeriod, Filters{
		TransactionKinds: []string{"WRITEOFF", "PRODUCTION"},
		ProductTypes:     []string{"GOODS"},
	})
	require.NoError(t, err)
	require.Len(t, got.Rows, 2)
	assert.Equal(t, json.Number("42"), got.Rows[0]["Product.Num"])
	assert.Equal(t, "2,25", got.Rows[1]["Amount.In"])
	assert.Len(t, got.Checksum, 64)

	assert.Equal(t, "TRANSACTIONS", body.ReportType)
	dates := body.Filters["DateTime.Typed"]
	assert.Equal(t, "DateRange", dates.FilterType)
	assert.Equal(t, "2024-01-02", dates.From)
	assert.Equal(t, "2024-01-09", dates.To)
	require.NotNil(t, dates.IncludeHigh)
	assert.False(t, *dates.IncludeHigh)
	assert.Equal(t, []string{"WRITEOFF", "PRODUCTION"}, body.Filters["TransactionType"].Values)
	assert.Equal(t, []string{"GOODS"}, body.Filters["Product.Type"].Values)
	assert.Contains(t, body.GroupByRowFields, "Product.Num")
	assert.Contains(t, body.AggregateFields, "Amount.Out")
}

func TestOLAP_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, sampleResponse)
	}))
	defer srv.Close()

	got, err := newTestClient(srv.URL, 3).Fetch(context.Background(), testPeriod, Filters{})
	require.NoError(t, err)
	assert.Len(t, got.Rows, 2)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestOLAP_GivesUpAfterRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 2).Fetch(context.Background(), testPeriod, Filters{})
	var fetchErr *domain.SourceFetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.Equal(t, "olap", fetchErr.Source)
	assert.Contains(t, err.Error(), "status 500")
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestOLAP_PermanentFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    string
	}{
		{"unauthorized", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "bad token", http.StatusUnauthorized)
		}, "status 401"},
		{"malformed json", func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, `{"data": [`)
		}, "decode response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				tt.handler(w, r)
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL, 3).Fetch(context.Background(), testPeriod, Filters{})
			var fetchErr *domain.SourceFetchError
			require.True(t, errors.As(err, &fetchErr))
			assert.Contains(t, err.Error(), tt.want)
			assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
		})
	}
}

func TestOLAP_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	logger, _ := logtest.NewNullLogger()
	client := NewOLAPClient(OLAPOptions{
		BaseURL:       srv.URL,
		Tokens:        StaticToken("secret"),
		Timeout:       50 * time.Millisecond,
		RatePerMinute: 60000,
		Retry:         fastRetry(1),
		Mapping:       config.DefaultOLAPMapping(),
	}, logger)

	_, err := client.Fetch(context.Background(), testPeriod, Filters{})
	var fetchErr *domain.SourceFetchError
	assert.True(t, errors.As(err, &fetchErr))
}

func TestOLAP_MissingToken(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	client := NewOLAPClient(OLAPOptions{BaseURL: "http://127.0.0.1:1", Tokens: StaticToken(""), Retry: fastRetry(3), Mapping: config.DefaultOLAPMapping()}, logger)
	_, err := client.Fetch(context.Background(), testPeriod, Filters{})
	assert.ErrorContains(t, err, "no olap token")
}

func TestRetryer_StopsOnContext(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	r := NewRetryer(RetryConfig{MaxAttempts: 5, BaseDelay: time.Hour}, logger)
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := r.Execute(ctx, func(int) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryer_DelayBounds(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	r := NewRetryer(RetryConfig{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, JitterRange: 0.1}, logger)
	for attempt := 1; attempt <= 6; attempt++ {
		d := r.delay(attempt)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 1100*time.Millisecond)
	}
}
