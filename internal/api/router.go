package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jengzang/edna-backend-go/internal/config"
	"github.com/jengzang/edna-backend-go/internal/handler"
	"github.com/jengzang/edna-backend-go/internal/metrics"
	"github.com/jengzang/edna-backend-go/internal/middleware"
	"github.com/jengzang/edna-backend-go/internal/service"
)

// Services 路由依赖的服务
type Services struct {
	Tasks    *service.AnalysisTaskService
	Datasets *service.DatasetService
	Models   *service.ModelService
}

// SetupRouter 设置路由。ctx 结束时限流器的清理协程退出
func SetupRouter(ctx context.Context, cfg *config.Config, svc Services, m *metrics.Metrics, log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.Logger(log), middleware.Metrics(m))

	// CORS 中间件
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"message": "eDNA Backend API is running",
		})
	})
	r.GET("/metrics", gin.WrapH(m.Handler()))

	window := time.Duration(cfg.RateLimit.WindowSeconds) * time.Second

	// API 路由组
	api := r.Group("/api/v1")
	api.Use(middleware.Auth(cfg.JWTSecret), middleware.RateLimit(ctx, cfg.RateLimit.Requests, window))
	{
		// 分析任务
		tasks := handler.NewAnalysisTaskHandler(svc.Tasks)
		analysis := api.Group("/analysis")
		{
			analysis.POST("/tasks", tasks.CreateTask)
			analysis.GET("/tasks", tasks.ListTasks)
			analysis.GET("/tasks/:id", tasks.GetTask)
			analysis.DELETE("/tasks/:id", tasks.CancelTask)
			analysis.POST("/pipeline", tasks.TriggerPipeline)
		}

		// 合成数据
		runs := handler.NewRunHandler(svc.Datasets)
		runGroup := api.Group("/runs")
		{
			runGroup.GET("", runs.ListRuns)
			runGroup.GET("/:id", runs.GetRun)
			runGroup.DELETE("/:id", runs.DeleteRun)
			runGroup.GET("/:id/plates", runs.ListPlates)
			runGroup.GET("/:id/standards", runs.ListStandards)
			runGroup.GET("/:id/observations", runs.ListObservations)
			runGroup.POST("/:id/export", runs.ExportRun)
		}

		// 拟合模型与残差诊断
		models := handler.NewModelHandler(svc.Models)
		fits := api.Group("/fits")
		{
			fits.GET("/:id", models.GetFit)
			fits.GET("/:id/random-effects", models.GetRandomEffects)
			fits.GET("/:id/report", models.GetReport)
		}
		residuals := api.Group("/residuals")
		{
			residuals.GET("/:id", models.GetResidualRun)
			residuals.GET("/:id/matrix", models.GetResidualMatrix)
		}
	}

	return r
}
