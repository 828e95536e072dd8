package monitor

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/msalopek/intent_settlement/intent"
	"github.com/msalopek/intent_settlement/settlement"
)

type Server struct {
	monitor *Monitor
}

func NewServer(monitor *Monitor) *Server {
	return &Server{
		monitor: monitor,
	}
}

func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/orders", s.getOrders)
	router.GET("/orders/:id", s.getOrder)
	router.GET("/stats/stages", s.getStageStats)
	router.GET("/stats/gas", s.getGasStats)
	router.GET("/balances/latest", s.getLatestBalances)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}

func (s *Server) RunWithContext(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}

	// Graceful server shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.monitor.logger.Error().Err(err).Msg("server shutdown error")
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

type OrderResponse struct {
	DbOrderProgress
	State  string         `json:"state"`
	Events []DbOrderEvent `json:"events"`
	Txs    []DbStageTx    `json:"txs"`
}

func (s *Server) getOrder(c *gin.Context) {
	id, err := intent.HexToOrderID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}

	ctx := c.Request.Context()
	progress, err := s.monitor.GetDbOrderProgress(ctx, id)
	if errors.Is(err, ErrOrderNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}
	if err != nil {
		s.monitor.logger.Error().Err(err).Str("order_id", id.Hex()).Msg("failed to read order progress")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get order"})
		return
	}
	events, err := s.monitor.GetDbOrderEvents(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get order events"})
		return
	}
	txs, err := s.monitor.GetDbStageTxs(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get order txs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": OrderResponse{
		DbOrderProgress: *progress,
		State:           progress.State(),
		Events:          events,
		Txs:             txs,
	}})
}

func (s *Server) getOrders(c *gin.Context) {
	stage := c.Query("stage")
	if _, ok := settlement.ParseStage(stage); stage != "" && !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown stage"})
		return
	}

	orders, err := s.monitor.GetDbOrders(c.Request.Context(), stage)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get orders"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) getStageStats(c *gin.Context) {
	stats, err := s.monitor.GetDbStageStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get stats"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stages": stats})
}

func (s *Server) getGasStats(c *gin.Context) {
	asInteger := c.Query("as_integer")

	stats, err := s.monitor.GetDbGasStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get stats"})
		return
	}

	if asInteger == "" {
		// every supported chain pays gas in an 18 decimal native token
		total, err := decimal.NewFromString(stats.TotalCostWei)
		if err != nil {
			s.monitor.logger.Error().Err(err).Msg("failed to convert total cost to decimal")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "unexpected error"})
			return
		}
		stats.TotalCostWei = total.Shift(-18).String()
		for i := range stats.NetworkStats {
			n := &stats.NetworkStats[i]
			cost, err := decimal.NewFromString(n.CostWei)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "unexpected error"})
				return
			}
			n.CostWei = cost.Shift(-18).String()
			for j := range n.Stages {
				stageCost, err := decimal.NewFromString(n.Stages[j].CostWei)
				if err != nil {
					c.JSON(http.StatusInternalServerError, gin.H{"error": "unexpected error"})
					return
				}
				n.Stages[j].CostWei = stageCost.Shift(-18).String()
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{"gas": stats})
}

func (s *Server) getLatestBalances(c *gin.Context) {
	network := c.Query("network")
	asInteger := c.Query("as_integer")

	balances, err := s.monitor.GetDbLatestBalances(c.Request.Context(), network)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get balances"})
		return
	}

	if asInteger == "" {
		for i := range balances {
			if balances[i].Exponent < 0 {
				continue
			}
			balanceDecimal, err := decimal.NewFromString(balances[i].Balance)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "unexpected error"})
				return
			}
			balances[i].Balance = balanceDecimal.Shift(-balances[i].Exponent).String()
		}
	}

	c.JSON(http.StatusOK, gin.H{"balances": balances})
}
