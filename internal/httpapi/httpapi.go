package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"evrpos/internal/correction"
	"evrpos/internal/domain"
	"evrpos/internal/export"
	"evrpos/internal/lock"
	"evrpos/internal/service"
	"evrpos/internal/store"
)

const operatorHeader = "X-Operator"

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	validate      *validator.Validate
	log           logrus.FieldLogger
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, logger logrus.FieldLogger) *API {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		validate:      validator.New(),
		log:           logger.WithField("component", "httpapi"),
	}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)

	mux.HandleFunc("/api/v1/products", a.handleProducts)
	mux.HandleFunc("/api/v1/products/", a.handleProductActions)

	mux.HandleFunc("/api/v1/cart", a.handleCart)
	mux.HandleFunc("/api/v1/cart/items", a.handleCartItems)
	mux.HandleFunc("/api/v1/cart/items/", a.handleCartItemActions)
	mux.HandleFunc("/api/v1/cart/discount", a.handleDiscount)
	mux.HandleFunc("/api/v1/checkout", a.handleCheckout)

	mux.HandleFunc("/api/v1/transactions", a.handleTransactions)
	mux.HandleFunc("/api/v1/transactions/", a.handleTransactionActions)

	mux.HandleFunc("/api/v1/corrections/", a.handleCorrections)
	mux.HandleFunc("/api/v1/reports/suppliers", a.handleSupplierReport)

	return a.withMiddleware(mux)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"products": a.service.ListProducts(r.Context())})
	case http.MethodPost:
		var req domain.ProductUpsertRequest
		if !a.decodeValid(w, r, &req) {
			return
		}
		product, err := a.service.UpsertProduct(r.Context(), req)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"product": product})
	default:
		a.writeMethodNotAllowed(w)
	}
}

func (a *API) handleProductActions(w http.ResponseWriter, r *http.Request) {
	tail := strings.TrimSpace(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/products/"), "/"))
	switch tail {
	case "":
		a.writeError(w, http.StatusBadRequest, errors.New("product code required"))
		return
	case "import":
		a.handleProductImport(w, r)
		return
	case "template.csv":
		if r.Method != http.MethodGet {
			a.writeMethodNotAllowed(w)
			return
		}
		var buf bytes.Buffer
		if err := a.service.ProductsTemplate(&buf); err != nil {
			a.writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeAttachment(w, export.ContentCSV, "products_template.csv", buf.Bytes())
		return
	}

	switch r.Method {
	case http.MethodGet:
		product, err := a.service.GetProduct(r.Context(), tail)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"product": product})
	case http.MethodPut:
		var req domain.ProductUpsertRequest
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		req.Code = tail
		if !a.validStruct(w, req) {
			return
		}
		product, err := a.service.UpsertProduct(r.Context(), req)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"product": product})
	case http.MethodDelete:
		if err := a.service.DeleteProduct(r.Context(), tail); err != nil {
			a.writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		a.writeMethodNotAllowed(w)
	}
}

func (a *API) handleProductImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	var req domain.ProductImportRequest
	if !a.decodeValid(w, r, &req) {
		return
	}
	result, err := a.service.ImportProducts(r.Context(), req.Rows)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleCart(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, a.service.CartSummary(r.Context()))
	case http.MethodDelete:
		summary, err := a.service.ClearCart(r.Context())
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	default:
		a.writeMethodNotAllowed(w)
	}
}

func (a *API) handleCartItems(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	var req domain.ScanRequest
	if !a.decodeValid(w, r, &req) {
		return
	}
	summary, err := a.service.Scan(r.Context(), req.Code, req.Quantity)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) handleCartItemActions(w http.ResponseWriter, r *http.Request) {
	raw := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/cart/items/"), "/")
	index, err := strconv.Atoi(raw)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, errors.New("line index must be an integer"))
		return
	}

	switch r.Method {
	case http.MethodPatch:
		var req domain.LineQuantityRequest
		if !a.decodeValid(w, r, &req) {
			return
		}
		summary, err := a.service.SetLineQuantity(r.Context(), index, req.Quantity)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	case http.MethodDelete:
		summary, err := a.service.RemoveLine(r.Context(), index)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	default:
		a.writeMethodNotAllowed(w)
	}
}

func (a *API) handleDiscount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		a.writeMethodNotAllowed(w)
		return
	}
	var req domain.DiscountRequest
	if !a.decodeValid(w, r, &req) {
		return
	}
	summary, err := a.service.SetDiscount(r.Context(), req.Percent)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	var req domain.CheckoutRequest
	if !a.decodeValid(w, r, &req) {
		return
	}
	record, err := a.service.Checkout(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"transaction": record})
}

func (a *API) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}
	query := r.URL.Query()
	transactions := a.service.History(r.Context(), domain.HistoryQuery{
		Search: query.Get("q"),
		Brand:  query.Get("brand"),
		Limit:  parsePositiveLimit(query.Get("limit"), 0, 5000),
	})
	writeJSON(w, http.StatusOK, map[string]any{"transactions": transactions})
}

func (a *API) handleTransactionActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}
	tail := strings.TrimSpace(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/transactions/"), "/"))

	switch tail {
	case "":
		a.writeError(w, http.StatusBadRequest, errors.New("invoice id required"))
	case "brands":
		writeJSON(w, http.StatusOK, map[string]any{"brands": a.service.HistoryBrands(r.Context())})
	case "export.csv":
		var buf bytes.Buffer
		if err := a.service.ExportCSV(r.Context(), &buf); err != nil {
			a.writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeAttachment(w, export.ContentCSV, "transaction_history.csv", buf.Bytes())
	case "export.xlsx":
		var buf bytes.Buffer
		if err := a.service.ExportXLSX(r.Context(), &buf); err != nil {
			a.writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeAttachment(w, export.ContentXLSX, "transaction_history.xlsx", buf.Bytes())
	default:
		record, err := a.service.TransactionByInvoice(r.Context(), tail)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"transaction": record})
	}
}

func (a *API) handleCorrections(w http.ResponseWriter, r *http.Request) {
	action := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/corrections/"), "/")

	if action == "pending" {
		if r.Method != http.MethodGet {
			a.writeMethodNotAllowed(w)
			return
		}
		pending, ok := a.service.PendingCorrection(r.Context())
		if !ok {
			writeJSON(w, http.StatusOK, map[string]any{"state": domain.CorrectionIdle})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"state": domain.CorrectionStaged, "pending": pending})
		return
	}

	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}

	var (
		pending domain.PendingCorrection
		err     error
	)
	switch action {
	case "confirm":
		a.handleConfirm(w, r)
		return
	case "cancel":
		writeJSON(w, http.StatusOK, map[string]any{"cancelled": a.service.CancelCorrection(r.Context())})
		return
	case "refund":
		var req domain.RefundRequest
		if !a.decodeValid(w, r, &req) {
			return
		}
		pending, err = a.service.StageRefund(r.Context(), req)
	case "edit":
		var req domain.EditRequest
		if !a.decodeValid(w, r, &req) {
			return
		}
		pending, err = a.service.StageEdit(r.Context(), req)
	case "void":
		var req domain.VoidRequest
		if !a.decodeValid(w, r, &req) {
			return
		}
		pending, err = a.service.StageVoid(r.Context(), req)
	case "clear-all":
		pending, err = a.service.StageClearAll(r.Context())
	case "delete":
		var req domain.DeleteEntryRequest
		if !a.decodeValid(w, r, &req) {
			return
		}
		pending, err = a.service.StageDeleteEntry(r.Context(), req)
	default:
		a.writeError(w, http.StatusNotFound, fmt.Errorf("unknown correction %q", action))
		return
	}
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	ticket, expiresAt, err := a.auth.IssueTicket(pending)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, domain.StagedCorrectionResponse{
		Ticket:    ticket,
		ExpiresAt: expiresAt.Format(time.RFC3339),
		Pending:   pending,
	})
}

func (a *API) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req domain.ConfirmCorrectionRequest
	if !a.decodeValid(w, r, &req) {
		return
	}
	id, err := a.auth.ParseTicket(req.Ticket)
	if err != nil {
		a.writeError(w, http.StatusUnauthorized, err)
		return
	}

	result, err := a.service.ConfirmCorrection(r.Context(), id, req.Secret)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleSupplierReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"suppliers": a.service.SupplierEarnings(r.Context())})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+operatorHeader)
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if operator := strings.TrimSpace(r.Header.Get(operatorHeader)); operator != "" {
			r = r.WithContext(service.WithActor(r.Context(), domain.Actor{Operator: operator}))
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		startedAt := time.Now()
		next.ServeHTTP(rec, r)
		a.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(startedAt).String(),
		}).Info("request")
	})
}

func (a *API) decodeValid(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := decodeJSON(r, dest); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return false
	}
	return a.validStruct(w, dest)
}

func (a *API) validStruct(w http.ResponseWriter, v any) bool {
	err := a.validate.Struct(v)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		a.writeError(w, http.StatusBadRequest, err)
		return false
	}
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error":  "validation failed",
		"fields": validationFields(verrs),
	})
	return false
}

func validationFields(verrs validator.ValidationErrors) map[string]string {
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
	}
	return fields
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInsufficientStock),
		errors.Is(err, store.ErrAlreadyVoided),
		errors.Is(err, store.ErrOverRefund),
		errors.Is(err, correction.ErrNothingStaged),
		errors.Is(err, correction.ErrStaleTicket):
		return http.StatusConflict
	case errors.Is(err, store.ErrInvalidQuantity),
		errors.Is(err, store.ErrInvalidTransaction):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrPaymentInvalid),
		errors.Is(err, store.ErrEmptyCart):
		return http.StatusUnprocessableEntity
	case errors.Is(err, correction.ErrWrongSecret):
		return http.StatusForbidden
	case errors.Is(err, lock.ErrNotObtained),
		errors.Is(err, store.ErrPersistenceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	a.writeError(w, statusFor(err), err)
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func (a *API) writeMethodNotAllowed(w http.ResponseWriter) {
	a.writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies stay generic; 4xx messages are meant for the operator.
	msg := err.Error()
	if status >= 500 {
		a.log.WithField("status", status).WithError(err).Error("internal error")
		msg = "internal server error"
	}
	if status == http.StatusServiceUnavailable {
		msg = "service temporarily unavailable"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeAttachment(w http.ResponseWriter, contentType string, filename string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
