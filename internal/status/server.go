package status

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/betbot/relayer/internal/domain"
	"github.com/betbot/relayer/internal/orderstore"
	"github.com/betbot/relayer/pkg/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

// HeadFunc 返回协调器最近观察到的源链高度
type HeadFunc func() uint64

// Server 只读状态 API
type Server struct {
	store *orderstore.Store
	head  HeadFunc
	start time.Time
}

func New(store *orderstore.Store, head HeadFunc) *Server {
	if head == nil {
		head = func() uint64 { return 0 }
	}
	return &Server{store: store, head: head, start: time.Now()}
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealth)

	api := r.Group("/api")
	api.GET("/orders", s.handleOrdersList)
	api.GET("/orders/:orderID", s.handleOrderGet)
	api.GET("/stats", s.handleStats)
	api.GET("/orphans", s.handleOrphans)
	return r
}

// Serve 阻塞直到 ctx 取消，然后优雅关闭
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("status API listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	cursor, ok := s.store.Cursor()
	c.JSON(http.StatusOK, gin.H{
		"ok":         true,
		"uptime":     time.Since(s.start).Round(time.Second).String(),
		"head":       s.head(),
		"cursor":     cursor,
		"has_cursor": ok,
	})
}

func (s *Server) handleOrdersList(c *gin.Context) {
	f := orderstore.Filter{}
	if v := strings.TrimSpace(c.Query("state")); v != "" {
		st, ok := parseState(v)
		if !ok {
			writeError(c, http.StatusBadRequest, "unknown state: "+v)
			return
		}
		f.State = st
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(c, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}
	orders := s.store.List(f)
	out := make([]orderView, 0, len(orders))
	for _, o := range orders {
		out = append(out, viewOf(o, false))
	}
	c.JSON(http.StatusOK, gin.H{"orders": out, "count": len(out)})
}

func (s *Server) handleOrderGet(c *gin.Context) {
	raw := c.Param("orderID")
	id, ok := parseOrderID(raw)
	if !ok {
		writeError(c, http.StatusBadRequest, "invalid order id")
		return
	}
	o, found := s.store.Get(id)
	if !found {
		writeError(c, http.StatusNotFound, "order not found")
		return
	}
	c.JSON(http.StatusOK, viewOf(o, true))
}

func (s *Server) handleStats(c *gin.Context) {
	st := s.store.Stats()
	byState := make(map[string]int, len(domain.AllStates))
	for _, state := range domain.AllStates {
		byState[string(state)] = st.ByState[state]
	}
	// 与原型仪表盘一致的汇总口径
	inProgress := st.ByState[domain.StatePending] + st.ByState[domain.StateOpened] + st.ByState[domain.StateSubmitting]
	completed := st.ByState[domain.StateSubmitted] + st.ByState[domain.StateFilled]
	c.JSON(http.StatusOK, gin.H{
		"total":       st.Total,
		"by_state":    byState,
		"in_progress": inProgress,
		"completed":   completed,
		"orphans":     st.Orphans,
		"cursor":      st.Cursor,
		"head":        s.head(),
	})
}

func (s *Server) handleOrphans(c *gin.Context) {
	orphans := s.store.Orphans()
	out := make([]gin.H, 0, len(orphans))
	for _, o := range orphans {
		out = append(out, gin.H{
			"order_id": o.OrderID.Hex(),
			"kind":     string(o.Kind),
			"block":    o.Block.Number,
			"seen_at":  o.SeenAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"orphans": out, "count": len(out)})
}

func writeError(c *gin.Context, code int, msg string) {
	c.JSON(code, gin.H{"error": msg})
}

func parseState(v string) (domain.OrderState, bool) {
	v = strings.ToLower(v)
	for _, st := range domain.AllStates {
		if string(st) == v {
			return st, true
		}
	}
	return "", false
}

func parseOrderID(raw string) (common.Hash, bool) {
	raw = strings.TrimSpace(raw)
	hexPart := strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	if len(hexPart) != 64 {
		return common.Hash{}, false
	}
	b, err := hex.DecodeString(hexPart)
	if err != nil {
		return common.Hash{}, false
	}
	return common.BytesToHash(b), true
}
