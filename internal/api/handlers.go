package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/invledger/postings/internal/config"
	"github.com/invledger/postings/internal/domain"
	"github.com/invledger/postings/internal/ingestion"
	"github.com/invledger/postings/internal/period"
	"github.com/invledger/postings/internal/repository"
)

// Handlers groups all HTTP handler methods and their dependencies.
type Handlers struct {
	store   repository.Store
	svc     *ingestion.Service
	mapping config.Mapping
	sheet   string
	log     *logrus.Entry
}

// --- helpers ---

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.WithError(err).Warn("encode response")
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return def
	}
	return v
}

// statusFor maps pipeline errors onto HTTP statuses.
func statusFor(err error) int {
	var (
		cfgErr   *domain.ConfigError
		fetchErr *domain.SourceFetchError
		storeErr *domain.StoreError
	)
	switch {
	case errors.As(err, &cfgErr), errors.Is(err, domain.ErrFormat):
		return http.StatusBadRequest
	case errors.As(err, &fetchErr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &storeErr):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// periodFilter reads date_from/date_to. Both empty means no period filter.
func periodFilter(from, to string) (*domain.Period, error) {
	if from == "" && to == "" {
		return nil, nil
	}
	if from == "" || to == "" {
		return nil, &domain.ConfigError{Param: "date_from/date_to", Err: domain.ErrFormat}
	}
	start, err := period.ParseDate(from)
	if err != nil {
		return nil, err
	}
	end, err := period.ParseDate(to)
	if err != nil {
		return nil, err
	}
	p, err := domain.NewPeriod(start, end)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (h *Handlers) factFilter(r *http.Request) (repository.FactFilter, error) {
	q := r.URL.Query()
	p, err := periodFilter(q.Get("date_from"), q.Get("date_to"))
	if err != nil {
		return repository.FactFilter{}, err
	}
	return repository.FactFilter{
		ReportID:        q.Get("report_id"),
		Period:          p,
		Department:      q.Get("department"),
		ProductCode:     q.Get("product_code"),
		TransactionKind: q.Get("transaction_kind"),
		Page:            parseIntDefault(q.Get("page"), 1),
		Limit:           parseIntDefault(q.Get("limit"), 50),
	}, nil
}

// --- Health ---

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if _, err := h.store.CountFacts(r.Context(), repository.FactFilter{}); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- CreateRun ---

// CreateRun ingests an uploaded workbook. Form fields report_id, date_from,
// date_to, overwrite and scope override the server configuration.
func (h *Handlers) CreateRun(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "file field is required: "+err.Error())
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "read file: "+err.Error())
		return
	}

	req := ingestion.RunRequest{
		ReportID: r.FormValue("report_id"),
		DateFrom: r.FormValue("date_from"),
		DateTo:   r.FormValue("date_to"),
		Scope:    domain.OverwriteScope(r.FormValue("scope")),
		Source:   ingestion.NewXLSXBytes(data, h.sheet, h.mapping),
	}
	if v := r.FormValue("overwrite"); v != "" {
		overwrite, err := strconv.ParseBool(v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "overwrite must be a boolean")
			return
		}
		req.Overwrite = &overwrite
	}

	result, err := h.svc.Run(r.Context(), req)
	if err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}

	h.writeJSON(w, http.StatusCreated, result)
}

// --- ListRuns ---

func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.RunFilter{
		ReportID: q.Get("report_id"),
		Limit:    parseIntDefault(q.Get("limit"), 20),
	}

	runs, err := h.store.ListRuns(r.Context(), filter)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"limit": filter.Limit,
	})
}

// --- ListFacts ---

func (h *Handlers) ListFacts(w http.ResponseWriter, r *http.Request) {
	filter, err := h.factFilter(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	facts, total, err := h.store.ListFacts(r.Context(), filter)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"facts": facts,
		"total": total,
		"page":  filter.Page,
		"limit": filter.Limit,
	})
}

// --- CountFacts ---

func (h *Handlers) CountFacts(w http.ResponseWriter, r *http.Request) {
	filter, err := h.factFilter(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	n, err := h.store.CountFacts(r.Context(), filter)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]int64{"count": n})
}
