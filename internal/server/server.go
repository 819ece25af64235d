package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"msx-grid-go/internal/advisor"
	"msx-grid-go/internal/engine"
	"msx-grid-go/internal/logger"
	"msx-grid-go/internal/models"
)

// Server 将网格注册表的控制面暴露为HTTP API。
// 响应统一包装为 {"status":"success","data":...} 或
// {"status":"failed","message":...}。
type Server struct {
	reg *engine.Registry
	adv *advisor.Advisor // 可为nil, 此时建议接口返回503

	httpSrv *http.Server
}

func New(reg *engine.Registry, adv *advisor.Advisor, addr string) *Server {
	s := &Server{reg: reg, adv: adv}
	s.httpSrv = &http.Server{Addr: addr, Handler: s.router()}
	return s
}

func (s *Server) router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	api := r.Group("/api")
	api.POST("/start", s.handleStart)
	api.POST("/stop", s.handleStop)
	api.POST("/resume", s.handleResume)
	api.POST("/delete", s.handleDelete)
	api.GET("/status", s.handleStatusAll)
	api.GET("/status/:symbol", s.handleStatus)
	api.GET("/free_balance", s.handleFreeBalance)
	api.GET("/symbols", s.handleSymbols)
	api.GET("/advisor/:symbol", s.handleAdvisor)
	return r
}

// Run 阻塞式启动HTTP服务
func (s *Server) Run() error {
	logger.S().Infof("HTTP API 已启动: %s", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown 优雅关闭HTTP服务
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"status": "success", "data": data})
}

func fail(c *gin.Context, code int, err error) {
	c.JSON(code, gin.H{"status": "failed", "message": err.Error()})
}

// failFor 将引擎错误映射到HTTP状态码
func failFor(c *gin.Context, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		fail(c, http.StatusNotFound, err)
	case errors.Is(err, engine.ErrInvalidParameters),
		errors.Is(err, engine.ErrAlreadyExists),
		errors.Is(err, engine.ErrInsufficientFunds):
		fail(c, http.StatusBadRequest, err)
	default:
		fail(c, http.StatusInternalServerError, err)
	}
}

type symbolRequest struct {
	Symbol string `json:"symbol"`
}

func (s *Server) handleStart(c *gin.Context) {
	var params engine.StartParams
	if err := c.ShouldBindJSON(&params); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	summary, err := s.reg.Start(params)
	if err != nil {
		failFor(c, err)
		return
	}
	ok(c, summary)
}

// handleStop 带symbol停止单个实例, 不带symbol停止全部
func (s *Server) handleStop(c *gin.Context) {
	var req symbolRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, err)
			return
		}
	}
	var err error
	if req.Symbol == "" {
		err = s.reg.StopAll()
	} else {
		err = s.reg.Stop(req.Symbol)
	}
	if err != nil {
		failFor(c, err)
		return
	}
	ok(c, gin.H{"stopped": true})
}

func (s *Server) handleResume(c *gin.Context) {
	var req symbolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if err := s.reg.Resume(req.Symbol); err != nil {
		failFor(c, err)
		return
	}
	ok(c, gin.H{"resumed": true})
}

func (s *Server) handleDelete(c *gin.Context) {
	var req symbolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if err := s.reg.Delete(req.Symbol); err != nil {
		failFor(c, err)
		return
	}
	ok(c, gin.H{"deleted": true})
}

func (s *Server) handleStatusAll(c *gin.Context) {
	ok(c, s.reg.StatusAll())
}

func (s *Server) handleStatus(c *gin.Context) {
	summary, err := s.reg.Status(c.Param("symbol"))
	if err != nil {
		failFor(c, err)
		return
	}
	ok(c, summary)
}

func (s *Server) handleFreeBalance(c *gin.Context) {
	balance, err := s.reg.Balance()
	if err != nil {
		failFor(c, err)
		return
	}
	ok(c, balance)
}

func (s *Server) handleSymbols(c *gin.Context) {
	market := models.MarketType(c.DefaultQuery("market", string(models.MarketContract)))
	symbols, err := s.reg.Symbols(market)
	if err != nil {
		failFor(c, err)
		return
	}
	ok(c, symbols)
}

func (s *Server) handleAdvisor(c *gin.Context) {
	if s.adv == nil {
		fail(c, http.StatusServiceUnavailable, errors.New("advisor not configured"))
		return
	}
	advice, err := s.adv.Analyze(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		fail(c, http.StatusBadGateway, err)
		return
	}
	ok(c, advice)
}
