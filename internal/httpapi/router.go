package httpapi

import (
	"database/sql"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"usagemeter/internal/admission"
	"usagemeter/internal/credentials"
	"usagemeter/internal/ingest"
	"usagemeter/internal/invoicing"
	"usagemeter/internal/jobs"
	"usagemeter/internal/models"
	"usagemeter/internal/platform/logging"
	"usagemeter/internal/platform/middleware"
	"usagemeter/internal/psp"
)

// Deps bundles the components RegisterRoutes wires into gin handlers. It
// mirrors SetupServiceRouter's convention of taking already-constructed
// collaborators rather than building them itself.
type Deps struct {
	DB              *sql.DB
	Validator       *credentials.Validator
	Admitter        *admission.Controller
	Recorder        *ingest.Recorder
	InvoiceBuilder  *invoicing.Builder
	JobManager      *jobs.Manager
	PSPHandler      *psp.Handler
	OperatorToken   string
	Logger          logging.Logger
	QuotaRejections *prometheus.CounterVec
	InvoicesBuilt   *prometheus.CounterVec

	// RequestTimeout bounds every public API request; zero means the 30s
	// default.
	RequestTimeout time.Duration
}

// RegisterRoutes attaches every HTTP surface to router, which is
// expected to already carry the shared middleware chain from
// server.SetupServiceRouter.
func RegisterRoutes(router *gin.Engine, deps Deps) {
	events := NewEventsHandler(deps.DB, deps.Recorder, deps.Logger, deps.QuotaRejections)
	usage := NewUsageHandler(deps.DB, deps.Logger)
	invoices := NewInvoicesHandler(deps.DB, deps.Logger)
	operator := NewOperatorHandler(deps.DB, deps.JobManager, deps.InvoiceBuilder, deps.Logger, deps.InvoicesBuilt)
	pspHandler := NewPSPHandler(deps.PSPHandler, deps.Logger)

	writeAuth := AuthMiddleware(deps.Validator, deps.Admitter, deps.DB, models.PermissionEventsWrite)
	readAuth := AuthMiddleware(deps.Validator, deps.Admitter, deps.DB, models.PermissionUsageRead)

	timeout := deps.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	requestTimeout := middleware.TimeoutMiddleware(timeout)

	v1 := router.Group("/api/v1")
	v1.Use(requestTimeout)
	{
		v1.POST("/events", writeAuth, events.Ingest)
		v1.GET("/events", readAuth, events.List)
		v1.GET("/usage", readAuth, usage.Get)
		v1.GET("/invoices", readAuth, invoices.List)
		v1.GET("/invoices/:id", readAuth, invoices.Get)
	}

	internalAuth := middleware.OperatorAuthMiddleware(deps.OperatorToken)
	internalGroup := router.Group("/internal")
	internalGroup.Use(internalAuth)
	{
		internalGroup.POST("/snapshots", operator.BuildSnapshots)
		internalGroup.POST("/invoices", operator.BuildInvoice)
		internalGroup.POST("/invoices/:id/status", operator.UpdateInvoiceStatus)
	}

	router.POST("/webhooks/psp", pspHandler.Handle)
}
