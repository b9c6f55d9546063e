package api

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/orrn/posprint/internal/api/handlers"
	"github.com/orrn/posprint/internal/api/middleware"
)

type Deps struct {
	Receipts handlers.ReceiptService
	Worker   handlers.WorkerStater
	Archives handlers.ArchiveLister
	Auth     *middleware.AuthMiddleware
	Log      zerolog.Logger
}

func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestID(), middleware.Logger(d.Log))

	receipts := handlers.NewReceiptHandler(d.Receipts, d.Log)
	system := handlers.NewSystemHandler(d.Worker, d.Archives)

	r.GET("/healthz", system.Health)

	v2 := r.Group("/v2")
	v2.POST("/auth/token", d.Auth.TokenHandler)

	protected := v2.Group("", d.Auth.RequireAuth())
	{
		protected.POST("/receipts/req/print", receipts.Print)
		protected.GET("/receipts/req/print/status/:id", receipts.GetStatus)
		protected.GET("/receipts/req/print/:id", receipts.GetReceipt)
		protected.POST("/receipts/req/print/:id/requeue", receipts.Requeue)
		protected.DELETE("/receipts/req/print/:id", receipts.Remove)
		protected.GET("/receipts", receipts.List)
		protected.GET("/receipts/stats", receipts.Stats)
		protected.GET("/archives", system.ListArchives)
	}

	return r
}
