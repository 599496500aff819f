package api

import (
	"context"
	"crypto/subtle"
	"log"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"mts-core/internal/events"
	"mts-core/internal/order"
	"mts-core/internal/portfolio"
	"mts-core/pkg/db"
)

// Server exposes read-only operational endpoints plus token issuance. It
// never submits orders; trading happens only through the orchestrator.
type Server struct {
	engine *gin.Engine
	http   *http.Server

	jwtSecret   string
	operatorKey string
	instanceID  string
	startedAt   time.Time

	book     *portfolio.Store
	orders   *order.Manager
	database *db.Database
	bus      *events.Bus
}

// NewServer builds the router.
func NewServer(jwtSecret, operatorKey, instanceID string, book *portfolio.Store, orders *order.Manager, database *db.Database, bus *events.Bus) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		engine:      gin.New(),
		jwtSecret:   jwtSecret,
		operatorKey: operatorKey,
		instanceID:  instanceID,
		startedAt:   time.Now(),
		book:        book,
		orders:      orders,
		database:    database,
		bus:         bus,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.Use(gin.Recovery())

	s.engine.GET("/health", s.handleHealth)
	s.engine.POST("/api/auth/token", s.handleToken)

	protected := s.engine.Group("/api", authRequired(s.jwtSecret))
	protected.GET("/status", s.handleStatus)
	protected.GET("/positions", s.handlePositions)
	protected.GET("/orders", s.handleOrders)
	protected.GET("/audits", s.handleAudits)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[api] listening on %s", addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "instance": s.instanceID})
}

type tokenRequest struct {
	OperatorKey string `json:"operator_key" binding:"required"`
}

func (s *Server) handleToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "operator_key required"})
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.OperatorKey), []byte(s.operatorKey)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid operator key"})
		return
	}

	token, err := issueToken(s.jwtSecret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expires_in": int(tokenTTL.Seconds())})
}

func (s *Server) handleStatus(c *gin.Context) {
	openOrders := 0
	for _, n := range s.orders.OpenCounts() {
		openOrders += n
	}
	status := gin.H{
		"instance":                 s.instanceID,
		"uptime_seconds":           int(time.Since(s.startedAt).Seconds()),
		"open_orders":              openOrders,
		"positions":                len(s.book.Snapshot()),
		"reconciliation_conflicts": s.orders.Conflicts(),
	}
	if s.bus != nil {
		status["dropped_events"] = s.bus.Dropped()
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handlePositions(c *gin.Context) {
	snap := s.book.Snapshot()
	positions := make([]portfolio.Position, 0, len(snap))
	for _, p := range snap {
		positions = append(positions, p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Instrument < positions[j].Instrument })
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *Server) handleOrders(c *gin.Context) {
	// The database view includes terminal orders from before a restart; the
	// in-memory view only covers this process's lifetime.
	if s.database != nil {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		rows, err := s.database.ListOrders(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"orders": rows})
		return
	}
	orders := s.orders.List()
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.After(orders[j].CreatedAt) })
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) handleAudits(c *gin.Context) {
	if s.database == nil {
		c.JSON(http.StatusOK, gin.H{"audits": []db.CycleAudit{}})
		return
	}
	audits, err := s.database.ListCycleAudits(c.Request.Context(), 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"audits": audits})
}
