package http

import (
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/JoeShih716/branch-ledger/internal/app/core/domain"
	"github.com/JoeShih716/branch-ledger/internal/app/core/usecase"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Handler REST 入口，只做格式轉換，業務邏輯全在 CoreUseCase
type Handler struct {
	core *usecase.CoreUseCase
	log  *zap.Logger
}

// NewHandler 建立 REST handler
func NewHandler(core *usecase.CoreUseCase, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{core: core, log: log}
}

// Routes 回傳掛好 middleware 與路由的 chi router
//
// 參數:
//
//	timeout: 單一請求的逾時
func (h *Handler) Routes(timeout time.Duration) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.log))
	r.Use(middleware.Recoverer)
	if timeout > 0 {
		r.Use(middleware.Timeout(timeout))
	}
	r.Use(withActor)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", h.openAccount)
			r.Get("/", h.queryAccounts)
			r.Get("/{id}", h.getAccount)
			r.Patch("/{id}/status", h.changeAccountStatus)
		})
		r.Route("/transactions", func(r chi.Router) {
			r.Post("/", h.createTransaction)
			r.Get("/", h.queryTransactions)
			r.Get("/{id}", h.getTransaction)
			r.Post("/{id}/reverse", h.reverseTransaction)
			r.Post("/{id}/review", h.submitForReview)
		})
		r.Route("/approvals", func(r chi.Router) {
			r.Get("/", h.queryApprovals)
			r.Get("/{id}", h.getApproval)
			r.With(requireManager).Post("/{id}/decision", h.decide)
		})
		r.Get("/audit", h.queryAudit)
	})
	return r
}

type openAccountBody struct {
	CustomerID     int64              `json:"customer_id"`
	Branch         string             `json:"branch"`
	Type           domain.AccountType `json:"type"`
	InitialDeposit decimal.Decimal    `json:"initial_deposit"`
	OverdraftLimit decimal.Decimal    `json:"overdraft_limit"`
}

func (h *Handler) openAccount(w http.ResponseWriter, r *http.Request) {
	var body openAccountBody
	if !decode(w, r, &body) {
		return
	}
	acct, err := h.core.OpenAccount(r.Context(), usecase.OpenAccountRequest{
		CustomerID:     body.CustomerID,
		Branch:         body.Branch,
		Type:           body.Type,
		InitialDeposit: body.InitialDeposit,
		OverdraftLimit: body.OverdraftLimit,
		ActorID:        actorFrom(r.Context()).ID,
	})
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

func (h *Handler) getAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	acct, err := h.core.GetAccount(r.Context(), id)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (h *Handler) queryAccounts(w http.ResponseWriter, r *http.Request) {
	q := query{values: r.URL.Query()}
	filter := domain.AccountFilter{
		CustomerID: q.integer("customer_id"),
		Branch:     q.values.Get("branch"),
		Status:     domain.AccountStatus(q.values.Get("status")),
		After:      q.cursor(),
	}
	limit := q.limit()
	if q.err != nil {
		writeError(w, q.err, nil)
		return
	}
	writeList(w, h.core.QueryAccounts(r.Context(), filter), limit, (*domain.Account).Cursor)
}

type accountStatusBody struct {
	Status domain.AccountStatus `json:"status"`
}

func (h *Handler) changeAccountStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var body accountStatusBody
	if !decode(w, r, &body) {
		return
	}
	acct, err := h.core.ChangeAccountStatus(r.Context(), id, body.Status, actorFrom(r.Context()).ID)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

type createTransactionBody struct {
	RefID                uuid.UUID              `json:"ref_id"`
	AccountID            int64                  `json:"account_id"`
	Type                 domain.TransactionType `json:"type"`
	Amount               decimal.Decimal        `json:"amount"`
	DestinationAccountID int64                  `json:"destination_account_id"`
	Description          string                 `json:"description"`
}

// createTransaction 業務拒絕時回 422 並附上已保存的 Rejected 交易
func (h *Handler) createTransaction(w http.ResponseWriter, r *http.Request) {
	var body createTransactionBody
	if !decode(w, r, &body) {
		return
	}
	tran, err := h.core.CreateTransaction(r.Context(), domain.CreateTransactionRequest{
		RefID:                body.RefID,
		AccountID:            body.AccountID,
		Type:                 body.Type,
		Amount:               body.Amount,
		DestinationAccountID: body.DestinationAccountID,
		InitiatedBy:          actorFrom(r.Context()).ID,
		Description:          body.Description,
	})
	if err != nil {
		var data any
		if tran != nil {
			data = tran
		}
		writeError(w, err, data)
		return
	}
	status := http.StatusCreated
	if tran.Status == domain.TransactionStatusPending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, tran)
}

func (h *Handler) getTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	tran, err := h.core.GetTransaction(r.Context(), id)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, tran)
}

func (h *Handler) reverseTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	tran, err := h.core.ReverseTransaction(r.Context(), id, actorFrom(r.Context()).ID)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, tran)
}

type submitForReviewBody struct {
	ReviewerPool []int64 `json:"reviewer_pool"`
}

func (h *Handler) submitForReview(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var body submitForReviewBody
	if r.ContentLength != 0 && !decode(w, r, &body) {
		return
	}
	approval, err := h.core.SubmitForReview(r.Context(), id, body.ReviewerPool)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, approval)
}

func (h *Handler) queryTransactions(w http.ResponseWriter, r *http.Request) {
	q := query{values: r.URL.Query()}
	filter := domain.TransactionFilter{
		AccountID: q.integer("account_id"),
		Type:      domain.TransactionType(q.values.Get("type")),
		Status:    domain.TransactionStatus(q.values.Get("status")),
		From:      q.timestamp("from"),
		To:        q.timestamp("to"),
		After:     q.cursor(),
	}
	limit := q.limit()
	if q.err != nil {
		writeError(w, q.err, nil)
		return
	}
	writeList(w, h.core.QueryTransactions(r.Context(), filter), limit, (*domain.Transaction).Cursor)
}

func (h *Handler) getApproval(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	approval, err := h.core.GetApproval(r.Context(), id)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, approval)
}

func (h *Handler) queryApprovals(w http.ResponseWriter, r *http.Request) {
	q := query{values: r.URL.Query()}
	filter := domain.ApprovalFilter{
		Status:     domain.ApprovalStatus(q.values.Get("status")),
		ReviewerID: q.integer("reviewer_id"),
		From:       q.timestamp("from"),
		To:         q.timestamp("to"),
		After:      q.cursor(),
	}
	limit := q.limit()
	if q.err != nil {
		writeError(w, q.err, nil)
		return
	}
	writeList(w, h.core.QueryApprovals(r.Context(), filter), limit, (*domain.Approval).Cursor)
}

type decisionBody struct {
	Decision domain.Decision `json:"decision"`
	Comments string          `json:"comments"`
}

// decide 審核者為 X-Actor-ID；核准後扣款被拒時回 422 並附上審核結果
func (h *Handler) decide(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var body decisionBody
	if !decode(w, r, &body) {
		return
	}
	result, err := h.core.Decide(r.Context(), domain.DecideRequest{
		ApprovalID: id,
		ReviewerID: actorFrom(r.Context()).ID,
		Decision:   body.Decision,
		Comments:   body.Comments,
	})
	if err != nil {
		var data any
		if result != nil {
			data = result
		}
		writeError(w, err, data)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) queryAudit(w http.ResponseWriter, r *http.Request) {
	q := query{values: r.URL.Query()}
	filter := domain.AuditFilter{
		EntityKind: domain.EntityKind(q.values.Get("entity_kind")),
		EntityID:   q.integer("entity_id"),
		From:       q.timestamp("from"),
		To:         q.timestamp("to"),
		After:      q.cursor(),
	}
	limit := q.limit()
	if q.err != nil {
		writeError(w, q.err, nil)
		return
	}
	writeList(w, h.core.QueryAudit(r.Context(), filter), limit, (*domain.AuditRecord).Cursor)
}

// writeList 從延遲序列取出至多 limit 筆，多讀一筆判斷是否還有下一頁
func writeList[T any](w http.ResponseWriter, seq iter.Seq2[T, error], limit int, cursorOf func(T) domain.Cursor) {
	body := listBody[T]{Items: make([]T, 0, limit)}
	for item, err := range seq {
		if err != nil {
			writeError(w, err, nil)
			return
		}
		if len(body.Items) == limit {
			body.More = true
			body.NextCursor = encodeCursor(cursorOf(body.Items[len(body.Items)-1]))
			break
		}
		body.Items = append(body.Items, item)
	}
	writeJSON(w, http.StatusOK, body)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body: %v", domain.ErrInvalidInput, err), nil)
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, fmt.Errorf("%w: invalid id %q", domain.ErrInvalidInput, chi.URLParam(r, "id")), nil)
		return 0, false
	}
	return id, true
}

// query 解析 query string，記住第一個錯誤
type query struct {
	values url.Values
	err    error
}

func (q *query) integer(name string) int64 {
	raw := q.values.Get(name)
	if raw == "" || q.err != nil {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		q.err = fmt.Errorf("%w: %s must be an integer", domain.ErrInvalidInput, name)
	}
	return n
}

func (q *query) timestamp(name string) *time.Time {
	raw := q.values.Get(name)
	if raw == "" || q.err != nil {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		q.err = fmt.Errorf("%w: %s must be RFC3339", domain.ErrInvalidInput, name)
		return nil
	}
	return &t
}

func (q *query) cursor() *domain.Cursor {
	raw := q.values.Get("cursor")
	if raw == "" || q.err != nil {
		return nil
	}
	c, err := decodeCursor(raw)
	if err != nil {
		q.err = err
		return nil
	}
	return c
}

func (q *query) limit() int {
	raw := q.values.Get("limit")
	if raw == "" || q.err != nil {
		return defaultLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		q.err = fmt.Errorf("%w: limit must be a positive integer", domain.ErrInvalidInput)
		return defaultLimit
	}
	return min(n, maxLimit)
}
