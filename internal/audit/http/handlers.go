package audithttp

import (
	"context"
	"encoding/csv"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/odyssey-erp/accessgate/internal/audit"
	"github.com/odyssey-erp/accessgate/internal/platform/httpx"
)

const (
	defaultPageSize   = 20
	maxPageSize       = 100
	exportPageSize    = 100
	maxExportPages    = 50
	defaultDateRange  = 7 * 24 * time.Hour
	maxDateRangeHours = 24 * 90
)

// TimelineService defines the contract for security event listings.
type TimelineService interface {
	Timeline(ctx context.Context, filters audit.TimelineFilters) (audit.Result, error)
}

// Handler serves security event listings.
type Handler struct {
	logger  *slog.Logger
	service TimelineService
	now     func() time.Time
}

// NewHandler builds a Handler.
func NewHandler(logger *slog.Logger, service TimelineService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, now: time.Now}
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	filters, err := h.parseFilters(r)
	if err != nil {
		h.handleFilterError(w, r, err)
		return
	}
	result, err := h.service.Timeline(r.Context(), filters)
	if err != nil {
		h.handleServerError(w, r, "load security events", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	filters, err := h.parseFilters(r)
	if err != nil {
		h.handleFilterError(w, r, err)
		return
	}
	filters.PageSize = exportPageSize
	var events []audit.SecurityEvent
	for page := 1; page <= maxExportPages; page++ {
		filters.Page = page
		result, err := h.service.Timeline(r.Context(), filters)
		if err != nil {
			h.handleServerError(w, r, "export security events", err)
			return
		}
		events = append(events, result.Events...)
		if !result.Paging.HasNext {
			break
		}
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename=\"security-events.csv\"")
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"id", "at", "identity_id", "action", "resource", "ip", "session", "stage", "reason", "detail", "allowed"})
	for _, e := range events {
		_ = cw.Write([]string{
			e.ID.String(), e.At.UTC().Format(time.RFC3339), e.IdentityID, e.Action, e.Resource, e.IP,
			e.SessionFingerprint, e.Stage, e.Reason, e.Detail, strconv.FormatBool(e.Allowed),
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		h.logger.Warn("write csv", slog.Any("error", err))
	}
}

func (h *Handler) parseFilters(r *http.Request) (audit.TimelineFilters, error) {
	q := r.URL.Query()
	now := h.now().UTC()
	toTime := now
	if v := strings.TrimSpace(q.Get("to")); v != "" {
		parsed, err := time.Parse(time.DateOnly, v)
		if err != nil {
			return audit.TimelineFilters{}, validationError{field: "to"}
		}
		toTime = parsed.Add(24 * time.Hour)
	}
	fromTime := toTime.Add(-defaultDateRange)
	if v := strings.TrimSpace(q.Get("from")); v != "" {
		parsed, err := time.Parse(time.DateOnly, v)
		if err != nil {
			return audit.TimelineFilters{}, validationError{field: "from"}
		}
		fromTime = parsed
	}
	if !fromTime.Before(toTime) {
		return audit.TimelineFilters{}, validationError{field: "range"}
	}
	if toTime.Sub(fromTime) > maxDateRangeHours*time.Hour {
		return audit.TimelineFilters{}, validationError{field: "range"}
	}

	page := 1
	if v := strings.TrimSpace(q.Get("page")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			return audit.TimelineFilters{}, validationError{field: "page"}
		}
		page = parsed
	}
	pageSize := defaultPageSize
	if v := strings.TrimSpace(q.Get("page_size")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			return audit.TimelineFilters{}, validationError{field: "page_size"}
		}
		if parsed > maxPageSize {
			parsed = maxPageSize
		}
		pageSize = parsed
	}
	deniedOnly := false
	if v := strings.TrimSpace(q.Get("denied")); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return audit.TimelineFilters{}, validationError{field: "denied"}
		}
		deniedOnly = parsed
	}

	return audit.TimelineFilters{
		From:       fromTime,
		To:         toTime,
		IdentityID: strings.TrimSpace(q.Get("identity")),
		Action:     strings.TrimSpace(q.Get("action")),
		Reason:     strings.TrimSpace(q.Get("reason")),
		DeniedOnly: deniedOnly,
		Page:       page,
		PageSize:   pageSize,
	}, nil
}

func (h *Handler) handleFilterError(w http.ResponseWriter, r *http.Request, err error) {
	var v validationError
	if errors.As(err, &v) {
		httpx.Problem(w, http.StatusBadRequest, "invalid filter", "invalid value for "+v.field)
		return
	}
	h.handleServerError(w, r, "validate filters", err)
}

func (h *Handler) handleServerError(w http.ResponseWriter, r *http.Request, message string, err error) {
	h.logger.Error(message, slog.Any("error", err))
	httpx.Problem(w, http.StatusInternalServerError, "internal error", "")
}

type validationError struct {
	field string
}

func (validationError) Error() string {
	return "validation failed"
}
