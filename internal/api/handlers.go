package api

import (
	"math"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/crosspool/crosspool/internal/config"
	"github.com/crosspool/crosspool/internal/dberr"
	"github.com/crosspool/crosspool/internal/manager"
	"github.com/crosspool/crosspool/internal/pool"
	"github.com/crosspool/crosspool/pkg/dbvalue"
)

func (s *Server) handleHealth(c *gin.Context) {
	pools := s.mgr.ListPools()
	healthy := 0
	for _, id := range pools {
		if st, err := s.mgr.HealthState(id); err == nil && st.Healthy {
			healthy++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"pools":         len(pools),
		"healthy_pools": healthy,
	})
}

func (s *Server) handleListPools(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pools": s.mgr.ListPools()})
}

type createPoolRequest struct {
	ID     string                 `json:"id" binding:"required"`
	URL    string                 `json:"url"`
	Config *config.DatabaseConfig `json:"config"`
}

func (s *Server) handleCreatePool(c *gin.Context) {
	var req createPoolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var cfg config.DatabaseConfig
	switch {
	case req.URL != "":
		parsed, err := config.FromURL(req.URL)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		cfg = parsed
	case req.Config != nil:
		cfg = *req.Config
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "either url or config is required"})
		return
	}

	if err := s.mgr.CreatePool(c.Request.Context(), req.ID, cfg); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": req.ID, "config": cfg.Redacted()})
}

func (s *Server) handleRemovePool(c *gin.Context) {
	if err := s.mgr.RemovePool(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": c.Param("id")})
}

func (s *Server) handlePoolStatus(c *gin.Context) {
	st, err := s.mgr.Status(c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handlePoolMetrics(c *gin.Context) {
	snap, err := s.mgr.Metrics(c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handlePoolHealth(c *gin.Context) {
	ok, err := s.mgr.HealthCheck(c.Request.Context(), c.Param("id"))
	if err != nil && dberr.IsNotFound(err) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"healthy": ok})
}

type statementRequest struct {
	SQL    string         `json:"sql" binding:"required"`
	Params map[string]any `json:"params"`
}

func (s *Server) handleQuery(c *gin.Context) {
	var req statementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	table, err := s.mgr.Query(c.Request.Context(), c.Param("id"), req.SQL, paramsFromJSON(req.Params))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	rows := make([]map[string]any, 0, table.NumRows())
	for _, row := range table.Rows() {
		out := make(map[string]any, row.Len())
		for name, v := range row.Map() {
			out[name] = v.Interface()
		}
		rows = append(rows, out)
	}
	c.JSON(http.StatusOK, gin.H{"columns": table.Columns(), "rows": rows})
}

func (s *Server) handleExecute(c *gin.Context) {
	var req statementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	affected, err := s.mgr.Execute(c.Request.Context(), c.Param("id"), req.SQL, paramsFromJSON(req.Params))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"affected_rows": affected})
}

type batchRequest struct {
	Operations []struct {
		SQL    string         `json:"sql" binding:"required"`
		Params map[string]any `json:"params"`
	} `json:"operations" binding:"required"`
}

func (r batchRequest) toOps() []pool.BatchOperation {
	ops := make([]pool.BatchOperation, 0, len(r.Operations))
	for _, op := range r.Operations {
		ops = append(ops, pool.BatchOperation{SQL: op.SQL, Params: paramsFromJSON(op.Params)})
	}
	return ops
}

func (s *Server) handleBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	results, err := s.mgr.Batch(c.Request.Context(), c.Param("id"), req.toOps())
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *Server) handleTransaction(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	results, err := s.mgr.Transaction(c.Request.Context(), c.Param("id"), req.toOps())
	if err != nil && results == nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	resp := gin.H{"results": results}
	if err != nil {
		resp["error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetFailover(c *gin.Context) {
	c.JSON(http.StatusOK, s.mgr.FailoverPolicy())
}

func (s *Server) handleSetFailover(c *gin.Context) {
	var policy manager.FailoverPolicy
	if err := c.ShouldBindJSON(&policy); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.mgr.SetFailoverPolicy(policy)
	c.JSON(http.StatusOK, s.mgr.FailoverPolicy())
}

func (s *Server) handleActiveAlerts(c *gin.Context) {
	s.mgr.EvaluateAlerts()
	c.JSON(http.StatusOK, gin.H{"alerts": s.mgr.Alerts().ActiveAlerts()})
}

func (s *Server) handleAlertHistory(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"alerts": s.mgr.Alerts().History()})
}

// paramsFromJSON maps a JSON object onto a parameter bundle. JSON numbers
// arrive as float64; integral ones are narrowed back to int64.
func paramsFromJSON(in map[string]any) dbvalue.Params {
	if len(in) == 0 {
		return nil
	}
	params := make(dbvalue.Params, len(in))
	for k, v := range in {
		if f, ok := v.(float64); ok && f == math.Trunc(f) && !math.IsInf(f, 0) {
			params[k] = dbvalue.Int64(int64(f))
			continue
		}
		params[k] = dbvalue.FromAny(v)
	}
	return params
}

// statusFor maps taxonomy classes onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case dberr.IsNotFound(err):
		return http.StatusNotFound
	case dberr.HasClass(err, dberr.ClassConfig):
		return http.StatusBadRequest
	case dberr.HasCode(err, dberr.CodeParameterBinding):
		return http.StatusBadRequest
	case dberr.IsTimeout(err):
		return http.StatusGatewayTimeout
	case dberr.HasCode(err, dberr.CodePoolUnavailable), dberr.HasCode(err, dberr.CodeAllPoolsUnavailable):
		return http.StatusServiceUnavailable
	case dberr.IsConnection(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
