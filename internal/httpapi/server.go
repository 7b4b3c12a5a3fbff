// Package httpapi exposes the credit ledger and job orchestration over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/creditcore/internal/gdpr"
	"github.com/MarkoPoloResearchLab/creditcore/internal/jobs"
	"github.com/MarkoPoloResearchLab/creditcore/pkg/ledger"
	"github.com/MarkoPoloResearchLab/creditcore/pkg/queue"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrInvalidServerConfig reports a bad wiring of Server.
var ErrInvalidServerConfig = errors.New("invalid server config")

// Server is the HTTP façade over the ledger, queue, and deletion services.
type Server struct {
	cfg           Config
	logger        *zap.Logger
	ledgerService *ledger.Service
	gdprService   *gdpr.Service
	manager       *queue.Manager
}

// NewServer wires a Server.
func NewServer(cfg Config, ledgerService *ledger.Service, gdprService *gdpr.Service, manager *queue.Manager, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidServerConfig, err)
	}
	if ledgerService == nil || gdprService == nil || manager == nil {
		return nil, fmt.Errorf("%w: missing dependency", ErrInvalidServerConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:           cfg,
		logger:        logger,
		ledgerService: ledgerService,
		gdprService:   gdprService,
		manager:       manager,
	}, nil
}

// Router builds the gin engine with all routes attached.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(bearerAuth(server.cfg.JWTSigningKey, server.cfg.JWTIssuer))

	api.POST("/holders", server.handleCreateHolder)
	api.GET("/holders/:id", server.handleGetHolder)
	api.GET("/holders/:id/transactions", server.handleListTransactions)
	api.POST("/holders/:id/credit", server.handleCredit)
	api.POST("/holders/:id/debit", server.handleDebit)
	api.POST("/transfers", server.handleTransfer)
	api.POST("/distributions", server.handleDistribution)
	api.POST("/recoveries", server.handleRecovery)
	api.POST("/usage-charges", server.handleSubmitUsageCharge)
	api.GET("/jobs/:queue/:id", server.handleJobStatus)
	api.POST("/deletion-requests", server.handleScheduleDeletion)
	api.GET("/deletion-requests/:id", server.handleGetDeletion)
	api.DELETE("/deletion-requests/:id", server.handleCancelDeletion)

	return router
}

// Run serves until ctx is cancelled, then drains with a bounded shutdown.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.cfg.ShutdownTimeout)
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

type createHolderRequest struct {
	Type         string `json:"type"`
	Name         string `json:"name"`
	Cap          *int64 `json:"cap"`
	RefillTarget *int64 `json:"refill_target"`
	RefillDay    *int   `json:"refill_day"`
}

func (server *Server) handleCreateHolder(ctx *gin.Context) {
	var request createHolderRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	holderType, err := ledger.ParseHolderType(request.Type)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	var capAmount *ledger.Amount
	if request.Cap != nil {
		value := ledger.Amount(*request.Cap)
		capAmount = &value
	}
	var refill *ledger.RefillPolicy
	if request.RefillTarget != nil && request.RefillDay != nil {
		refill = &ledger.RefillPolicy{
			TargetBalance: ledger.Amount(*request.RefillTarget),
			RefillDay:     *request.RefillDay,
		}
	}
	holder, err := server.ledgerService.CreateHolder(ctx.Request.Context(), holderType, request.Name, capAmount, refill)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, holderPayloadFrom(holder))
}

func (server *Server) handleGetHolder(ctx *gin.Context) {
	holderID, err := ledger.NewHolderID(ctx.Param("id"))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	balance, err := server.ledgerService.Balance(ctx.Request.Context(), holderID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	headroom, capped, err := server.ledgerService.MaxReceivable(ctx.Request.Context(), holderID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	response := gin.H{
		"holder_id": holderID.String(),
		"balance":   balance.Int64(),
	}
	if capped {
		response["max_receivable"] = headroom.Int64()
	}
	ctx.JSON(http.StatusOK, response)
}

func (server *Server) handleListTransactions(ctx *gin.Context) {
	holderID, err := ledger.NewHolderID(ctx.Param("id"))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	var query struct {
		Before int64 `form:"before"`
		Limit  int   `form:"limit"`
	}
	if err := ctx.ShouldBindQuery(&query); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_query", "expected numeric before/limit"))
		return
	}
	if query.Limit <= 0 || query.Limit > server.cfg.HistoryLimit {
		query.Limit = server.cfg.HistoryLimit
	}
	transactions, err := server.ledgerService.History(ctx.Request.Context(), holderID, query.Before, query.Limit)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	payloads := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payloads = append(payloads, transactionPayloadFrom(transaction))
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": payloads})
}

type amountRequest struct {
	Amount      int64  `json:"amount"`
	Kind        string `json:"kind"`
	Description string `json:"description"`
}

func (server *Server) handleCredit(ctx *gin.Context) {
	server.handleMutation(ctx, ledger.KindPurchase, server.ledgerService.Credit)
}

func (server *Server) handleDebit(ctx *gin.Context) {
	server.handleMutation(ctx, ledger.KindUsage, server.ledgerService.Debit)
}

func (server *Server) handleMutation(ctx *gin.Context, defaultKind ledger.TransactionKind,
	mutate func(context.Context, ledger.HolderID, ledger.Amount, ledger.TransactionKind, string, string) (ledger.Transaction, error)) {
	holderID, err := ledger.NewHolderID(ctx.Param("id"))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	var request amountRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	kind := defaultKind
	if request.Kind != "" {
		kind, err = ledger.ParseTransactionKind(request.Kind)
		if err != nil {
			server.respondError(ctx, err)
			return
		}
	}
	transaction, err := mutate(ctx.Request.Context(), holderID, ledger.Amount(request.Amount), kind, request.Description, actingSubject(ctx))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transaction": transactionPayloadFrom(transaction)})
}

type transferRequest struct {
	SourceID      string `json:"source_id"`
	DestinationID string `json:"destination_id"`
	Amount        int64  `json:"amount"`
	Kind          string `json:"kind"`
	Description   string `json:"description"`
}

func (server *Server) handleTransfer(ctx *gin.Context) {
	var request transferRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	sourceID, err := ledger.NewHolderID(request.SourceID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	destinationID, err := ledger.NewHolderID(request.DestinationID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	kind := ledger.KindAdjustment
	if request.Kind != "" {
		kind, err = ledger.ParseTransactionKind(request.Kind)
		if err != nil {
			server.respondError(ctx, err)
			return
		}
	}
	result, err := server.ledgerService.Transfer(ctx.Request.Context(), sourceID, destinationID,
		ledger.Amount(request.Amount), kind, request.Description, actingSubject(ctx))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	server.respondTransfer(ctx, result)
}

type pairRequest struct {
	SourceID      string `json:"source_id"`
	DestinationID string `json:"destination_id"`
	Amount        int64  `json:"amount"`
	Description   string `json:"description"`
}

func (server *Server) handleDistribution(ctx *gin.Context) {
	server.handlePair(ctx, server.ledgerService.DistributeCredits)
}

func (server *Server) handleRecovery(ctx *gin.Context) {
	server.handlePair(ctx, server.ledgerService.RecoverCredits)
}

func (server *Server) handlePair(ctx *gin.Context,
	move func(context.Context, ledger.HolderID, ledger.HolderID, ledger.Amount, string, string) (ledger.TransferResult, error)) {
	var request pairRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	sourceID, err := ledger.NewHolderID(request.SourceID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	destinationID, err := ledger.NewHolderID(request.DestinationID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	result, err := move(ctx.Request.Context(), sourceID, destinationID,
		ledger.Amount(request.Amount), request.Description, actingSubject(ctx))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	server.respondTransfer(ctx, result)
}

func (server *Server) respondTransfer(ctx *gin.Context, result ledger.TransferResult) {
	ctx.JSON(http.StatusOK, gin.H{
		"debit":  transactionPayloadFrom(result.Debit),
		"credit": transactionPayloadFrom(result.Credit),
	})
}

type usageChargeRequest struct {
	HolderID  string `json:"holder_id"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}

func (server *Server) handleSubmitUsageCharge(ctx *gin.Context) {
	var request usageChargeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if request.Reference == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_reference", "reference is required"))
		return
	}
	payload, err := json.Marshal(jobs.UsagePayload{
		HolderID:    request.HolderID,
		Amount:      request.Amount,
		Reference:   request.Reference,
		PerformedBy: actingSubject(ctx),
	})
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	job, err := server.manager.Enqueue(ctx.Request.Context(), jobs.QueueTranscription, jobs.UsageJobID(request.Reference), payload, queue.Options{
		Attempts: 3,
		Backoff:  queue.Backoff{Type: queue.BackoffExponential, Delay: 10 * time.Second},
	})
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusAccepted, gin.H{"job": jobPayloadFrom(job)})
}

func (server *Server) handleJobStatus(ctx *gin.Context) {
	job, err := server.manager.GetStatus(ctx.Request.Context(), ctx.Param("queue"), ctx.Param("id"))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"job": jobPayloadFrom(job)})
}

type scheduleDeletionRequest struct {
	SubjectID           string `json:"subject_id"`
	Email               string `json:"email"`
	ScheduledForUnixUTC int64  `json:"scheduled_for_unix_utc"`
}

func (server *Server) handleScheduleDeletion(ctx *gin.Context) {
	var request scheduleDeletionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	created, err := server.gdprService.Schedule(ctx.Request.Context(), request.SubjectID, request.Email, request.ScheduledForUnixUTC)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"request": deletionPayloadFrom(created)})
}

func (server *Server) handleGetDeletion(ctx *gin.Context) {
	request, err := server.gdprService.Get(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"request": deletionPayloadFrom(request)})
}

func (server *Server) handleCancelDeletion(ctx *gin.Context) {
	if err := server.gdprService.Cancel(ctx.Request.Context(), ctx.Param("id")); err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

func (server *Server) respondError(ctx *gin.Context, err error) {
	var insufficientFunds ledger.InsufficientFundsError
	if errors.As(err, &insufficientFunds) {
		ctx.JSON(http.StatusConflict, gin.H{
			"error": gin.H{
				"code":      "insufficient_funds",
				"message":   insufficientFunds.Error(),
				"available": insufficientFunds.Available.Int64(),
				"requested": insufficientFunds.Requested.Int64(),
			},
		})
		return
	}
	switch {
	case errors.Is(err, ledger.ErrHolderNotFound),
		errors.Is(err, gdpr.ErrRequestNotFound),
		errors.Is(err, queue.ErrJobNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", err.Error()))
	case errors.Is(err, ledger.ErrCapExceeded):
		ctx.JSON(http.StatusConflict, errorResponse("cap_exceeded", err.Error()))
	case errors.Is(err, gdpr.ErrTooLate):
		ctx.JSON(http.StatusConflict, errorResponse("too_late", err.Error()))
	case errors.Is(err, gdpr.ErrNotCancellable):
		ctx.JSON(http.StatusConflict, errorResponse("not_cancellable", err.Error()))
	case errors.Is(err, ledger.ErrHolderExists):
		ctx.JSON(http.StatusConflict, errorResponse("holder_exists", err.Error()))
	case errors.Is(err, ledger.ErrInvalidHolderID),
		errors.Is(err, ledger.ErrInvalidHolderType),
		errors.Is(err, ledger.ErrInvalidTransactionKind),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidRefillPolicy),
		errors.Is(err, gdpr.ErrInvalidSubjectID),
		errors.Is(err, gdpr.ErrInvalidSchedule),
		errors.Is(err, queue.ErrInvalidQueueName),
		errors.Is(err, queue.ErrInvalidJobID):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	default:
		server.logger.Error("request failed", zap.String("path", ctx.FullPath()), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "internal error"))
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

type holderPayload struct {
	HolderID     string `json:"holder_id"`
	Type         string `json:"type"`
	Name         string `json:"name"`
	Balance      int64  `json:"balance"`
	Cap          *int64 `json:"cap,omitempty"`
	RefillTarget *int64 `json:"refill_target,omitempty"`
	RefillDay    *int   `json:"refill_day,omitempty"`
}

func holderPayloadFrom(holder ledger.Holder) holderPayload {
	payload := holderPayload{
		HolderID: holder.ID.String(),
		Type:     holder.Type.String(),
		Name:     holder.Name,
		Balance:  holder.Balance.Int64(),
	}
	if holder.Cap != nil {
		value := holder.Cap.Int64()
		payload.Cap = &value
	}
	if holder.Refill != nil {
		target := holder.Refill.TargetBalance.Int64()
		day := holder.Refill.RefillDay
		payload.RefillTarget = &target
		payload.RefillDay = &day
	}
	return payload
}

type transactionPayload struct {
	TransactionID    string `json:"transaction_id"`
	HolderID         string `json:"holder_id"`
	Amount           int64  `json:"amount"`
	ResultingBalance int64  `json:"resulting_balance"`
	Kind             string `json:"kind"`
	Description      string `json:"description,omitempty"`
	PerformedBy      string `json:"performed_by,omitempty"`
	CounterpartyID   string `json:"counterparty_id,omitempty"`
	CreatedUnixUTC   int64  `json:"created_unix_utc"`
}

func transactionPayloadFrom(transaction ledger.Transaction) transactionPayload {
	payload := transactionPayload{
		TransactionID:    transaction.ID,
		HolderID:         transaction.HolderID.String(),
		Amount:           transaction.Amount.Int64(),
		ResultingBalance: transaction.ResultingBalance.Int64(),
		Kind:             transaction.Kind.String(),
		Description:      transaction.Description,
		PerformedBy:      transaction.PerformedBy,
		CreatedUnixUTC:   transaction.CreatedUnixUTC,
	}
	if transaction.CounterpartyID != nil {
		payload.CounterpartyID = transaction.CounterpartyID.String()
	}
	return payload
}

type jobPayload struct {
	Queue            string          `json:"queue"`
	JobID            string          `json:"job_id"`
	State            string          `json:"state"`
	Progress         int             `json:"progress"`
	AttemptsMade     int             `json:"attempts_made"`
	MaxAttempts      int             `json:"max_attempts"`
	Result           json.RawMessage `json:"result,omitempty"`
	FailureReason    string          `json:"failure_reason,omitempty"`
	CreatedUnixUTC   int64           `json:"created_unix_utc"`
	CompletedUnixUTC int64           `json:"completed_unix_utc,omitempty"`
}

func jobPayloadFrom(job queue.Job) jobPayload {
	return jobPayload{
		Queue:            job.Queue,
		JobID:            job.ID,
		State:            job.State.String(),
		Progress:         job.Progress,
		AttemptsMade:     job.AttemptsMade,
		MaxAttempts:      job.MaxAttempts,
		Result:           json.RawMessage(job.Result),
		FailureReason:    job.FailureReason,
		CreatedUnixUTC:   job.CreatedUnixUTC,
		CompletedUnixUTC: job.CompletedUnixUTC,
	}
}

type deletionPayload struct {
	RequestID           string `json:"request_id"`
	SubjectID           string `json:"subject_id"`
	Email               string `json:"email,omitempty"`
	Status              string `json:"status"`
	ScheduledForUnixUTC int64  `json:"scheduled_for_unix_utc"`
	CreatedUnixUTC      int64  `json:"created_unix_utc"`
}

func deletionPayloadFrom(request gdpr.Request) deletionPayload {
	return deletionPayload{
		RequestID:           request.ID,
		SubjectID:           request.SubjectID,
		Email:               request.Email,
		Status:              request.Status.String(),
		ScheduledForUnixUTC: request.ScheduledForUnixUTC,
		CreatedUnixUTC:      request.CreatedUnixUTC,
	}
}
