package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lyriclabs/creditledger/pkg/billing"
	"github.com/lyriclabs/creditledger/pkg/credits"
	"github.com/lyriclabs/creditledger/pkg/pricing"
)

// Server is the HTTP facade over the credit service, the cost estimator and
// the billing reconciler.
type Server struct {
	cfg        Config
	logger     *zap.Logger
	credits    *credits.Service
	schedule   pricing.Schedule
	reconciler *billing.Reconciler
	metrics    *Metrics
	router     *gin.Engine
}

// New wires the router. All dependencies except metrics are required.
func New(cfg Config, logger *zap.Logger, creditService *credits.Service, schedule pricing.Schedule, reconciler *billing.Reconciler, metrics *Metrics) (*Server, error) {
	if logger == nil {
		return nil, fmt.Errorf("httpserver: logger is nil")
	}
	if creditService == nil {
		return nil, fmt.Errorf("httpserver: credit service is nil")
	}
	if reconciler == nil {
		return nil, fmt.Errorf("httpserver: reconciler is nil")
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	server := &Server{
		cfg:        cfg.withDefaults(),
		logger:     logger,
		credits:    creditService,
		schedule:   schedule,
		reconciler: reconciler,
		metrics:    metrics,
	}
	server.router = server.setupRouter()
	return server, nil
}

// Handler exposes the router for tests and embedding.
func (server *Server) Handler() http.Handler {
	return server.router
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.router,
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http server listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (server *Server) setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(server.metrics.requestTimer())
	if len(server.cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     server.cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.GET("/accounts/:ref/balance", server.handleBalance)
	api.GET("/accounts/:ref/transactions", server.handleTransactions)
	api.POST("/credits/grant", server.handleGrant)
	api.POST("/credits/deduct", server.handleDeduct)
	api.POST("/credits/refund", server.handleRefund)
	api.POST("/jobs/estimate", server.handleEstimate)

	router.POST("/webhooks/stripe", server.handleStripeWebhook)

	return router
}

type grantRequest struct {
	AccountRef  string `json:"account_ref"`
	Amount      int64  `json:"amount"`
	Kind        string `json:"kind"`
	ReferenceID string `json:"reference_id"`
	Description string `json:"description"`
}

type deductRequest struct {
	AccountRef  string `json:"account_ref"`
	Amount      int64  `json:"amount"`
	ReferenceID string `json:"reference_id"`
	Description string `json:"description"`
}

type refundRequest struct {
	TransactionID string `json:"transaction_id"`
	Description   string `json:"description"`
}

type estimateRequest struct {
	DurationSeconds int64  `json:"duration_seconds"`
	TargetLanguages int    `json:"target_languages"`
	Platform        string `json:"platform"`
}

type transactionPayload struct {
	TransactionID       string `json:"transaction_id"`
	AccountID           string `json:"account_id"`
	Amount              int64  `json:"amount"`
	BalanceAfter        int64  `json:"balance_after"`
	Kind                string `json:"kind"`
	ReferenceID         string `json:"reference_id,omitempty"`
	ParentTransactionID string `json:"parent_transaction_id,omitempty"`
	Description         string `json:"description,omitempty"`
	CreatedUnixUTC      int64  `json:"created_unix_utc"`
}

func (server *Server) handleBalance(ctx *gin.Context) {
	accountRef, err := credits.NewAccountRef(ctx.Param("ref"))
	if err != nil {
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("invalid_account", err.Error()))
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	balance, err := server.credits.Balance(requestCtx, accountRef)
	if err != nil {
		server.respondError(ctx, "balance", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"account_ref":     accountRef.String(),
		"balance_credits": balance,
	})
}

func (server *Server) handleTransactions(ctx *gin.Context) {
	accountRef, err := credits.NewAccountRef(ctx.Param("ref"))
	if err != nil {
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("invalid_account", err.Error()))
		return
	}
	limit := server.cfg.HistoryLimit
	if rawLimit := ctx.Query("limit"); rawLimit != "" {
		parsed, parseErr := strconv.Atoi(rawLimit)
		if parseErr != nil || parsed <= 0 {
			ctx.JSON(http.StatusUnprocessableEntity, errorResponse("invalid_limit", "limit must be a positive integer"))
			return
		}
		if parsed < limit {
			limit = parsed
		}
	}
	before := time.Now().UTC().Add(time.Second).Unix()
	if rawBefore := ctx.Query("before"); rawBefore != "" {
		parsed, parseErr := strconv.ParseInt(rawBefore, 10, 64)
		if parseErr != nil {
			ctx.JSON(http.StatusUnprocessableEntity, errorResponse("invalid_before", "before must be a unix timestamp"))
			return
		}
		before = parsed
	}

	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	transactions, err := server.credits.ListTransactions(requestCtx, accountRef, before, limit)
	if err != nil {
		server.respondError(ctx, "list_transactions", err)
		return
	}
	payload := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payload = append(payload, mapTransaction(transaction))
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": payload})
}

func (server *Server) handleGrant(ctx *gin.Context) {
	var request grantRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	accountRef, err := credits.NewAccountRef(request.AccountRef)
	if err != nil {
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("invalid_account", err.Error()))
		return
	}
	amount, err := credits.NewPositiveCredits(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("invalid_amount", err.Error()))
		return
	}
	kind, err := credits.ParseTransactionKind(request.Kind)
	if err != nil {
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("invalid_kind", err.Error()))
		return
	}
	var referenceID *credits.ReferenceID
	if request.ReferenceID != "" {
		parsed, refErr := credits.NewReferenceID(request.ReferenceID)
		if refErr != nil {
			ctx.JSON(http.StatusUnprocessableEntity, errorResponse("invalid_reference", refErr.Error()))
			return
		}
		referenceID = &parsed
	}

	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	transaction, err := server.credits.Grant(requestCtx, accountRef, amount, kind, referenceID, request.Description)
	server.metrics.observeOperation("grant", err)
	if err != nil {
		server.respondError(ctx, "grant", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transaction": mapTransaction(transaction)})
}

func (server *Server) handleDeduct(ctx *gin.Context) {
	var request deductRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	accountRef, err := credits.NewAccountRef(request.AccountRef)
	if err != nil {
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("invalid_account", err.Error()))
		return
	}
	amount, err := credits.NewPositiveCredits(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("invalid_amount", err.Error()))
		return
	}
	referenceID, err := credits.NewReferenceID(request.ReferenceID)
	if err != nil {
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("invalid_reference", err.Error()))
		return
	}

	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	transaction, err := server.credits.Deduct(requestCtx, accountRef, amount, referenceID, request.Description)
	server.metrics.observeOperation("deduct", err)
	if err != nil {
		server.respondError(ctx, "deduct", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transaction": mapTransaction(transaction)})
}

func (server *Server) handleRefund(ctx *gin.Context) {
	var request refundRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	transactionID, err := credits.NewTransactionID(request.TransactionID)
	if err != nil {
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("invalid_transaction", err.Error()))
		return
	}

	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	refund, err := server.credits.Refund(requestCtx, transactionID, request.Description)
	server.metrics.observeOperation("refund", err)
	if err != nil {
		server.respondError(ctx, "refund", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transaction": mapTransaction(refund)})
}

func (server *Server) handleEstimate(ctx *gin.Context) {
	var request estimateRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	platform, err := pricing.ParsePlatform(request.Platform)
	if err != nil {
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("invalid_platform", err.Error()))
		return
	}
	cost, err := server.schedule.EstimateCost(request.DurationSeconds, request.TargetLanguages, platform)
	if err != nil {
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("invalid_estimate", err.Error()))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"platform":         platform.String(),
		"duration_seconds": request.DurationSeconds,
		"target_languages": request.TargetLanguages,
		"estimated_cost":   cost,
	})
}

func (server *Server) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
}

// respondError maps the domain error taxonomy onto HTTP statuses. Anything
// not recognized is treated as a storage failure.
func (server *Server) respondError(ctx *gin.Context, operation string, err error) {
	switch {
	case errors.Is(err, credits.ErrInsufficientCredits):
		ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_credits", "balance too low"))
	case errors.Is(err, credits.ErrTransactionNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("transaction_not_found", "no such transaction"))
	case errors.Is(err, credits.ErrNotRefundable):
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("not_refundable", "only debits can be refunded"))
	case errors.Is(err, credits.ErrAccountInactive):
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("account_inactive", "account is deactivated"))
	case errors.Is(err, credits.ErrInvalidAccountRef),
		errors.Is(err, credits.ErrInvalidTransactionID),
		errors.Is(err, credits.ErrInvalidReferenceID),
		errors.Is(err, credits.ErrInvalidAmount),
		errors.Is(err, credits.ErrInvalidTransactionKind),
		errors.Is(err, credits.ErrInvalidDescription):
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("invalid_input", err.Error()))
	default:
		server.logger.Error("operation failed",
			zap.String("operation", operation),
			zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("storage_unavailable", "try again later"))
	}
}

func mapTransaction(transaction credits.Transaction) transactionPayload {
	return transactionPayload{
		TransactionID:       transaction.TransactionID,
		AccountID:           transaction.AccountID,
		Amount:              transaction.Amount.Int64(),
		BalanceAfter:        transaction.BalanceAfter,
		Kind:                transaction.Kind.String(),
		ReferenceID:         transaction.ReferenceID,
		ParentTransactionID: transaction.ParentTransactionID,
		Description:         transaction.Description,
		CreatedUnixUTC:      transaction.CreatedUnixUTC,
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
