package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-prune/internal/logger"
	"github.com/23skdu/longbow-prune/internal/metrics"
	"github.com/23skdu/longbow-prune/internal/sparsity"
)

// Handler serves the pruning REST API: weight matrices in, masks and
// sparsified weights out.
type Handler struct {
	log *logger.Logger
}

func New(log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Log
	}
	return &Handler{log: log.With("server")}
}

// Router builds the gin engine with all routes registered.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	v1.POST("/prune", h.Prune)

	return r
}

// PruneRequest carries row-major weight matrices and the N:M rate.
type PruneRequest struct {
	Weights [][]float32 `json:"weights" binding:"required"`
	N       int         `json:"n" binding:"required"`
	M       int         `json:"m" binding:"required"`
}

// PruneResponse returns the pruned weights, the keep-mask and the achieved
// sparsity ratio.
type PruneResponse struct {
	Weights  [][]float32 `json:"weights"`
	Mask     [][]bool    `json:"mask"`
	Sparsity float64     `json:"sparsity"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Prune applies structured N:M pruning to each row of the posted matrix.
func (h *Handler) Prune(c *gin.Context) {
	start := time.Now()

	var req PruneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		metrics.RecordPruneRequest("invalid", 0, time.Since(start))
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if len(req.Weights) == 0 {
		metrics.RecordPruneRequest("invalid", 0, time.Since(start))
		c.JSON(http.StatusBadRequest, errorResponse{Error: "weights must not be empty"})
		return
	}

	resp := PruneResponse{
		Weights: make([][]float32, len(req.Weights)),
		Mask:    make([][]bool, len(req.Weights)),
	}
	elements := 0
	pruned := 0
	for i, row := range req.Weights {
		if len(row) == 0 {
			metrics.RecordPruneRequest("invalid", 0, time.Since(start))
			c.JSON(http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("weights row %d is empty", i)})
			return
		}
		mask, err := sparsity.MaskNM(row, req.N, req.M)
		if err != nil {
			metrics.RecordPruneRequest("invalid", 0, time.Since(start))
			c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		resp.Weights[i] = sparsity.Apply(row, mask)
		resp.Mask[i] = mask
		elements += len(row)
		for _, keep := range mask {
			if !keep {
				pruned++
			}
		}
	}
	resp.Sparsity = float64(pruned) / float64(elements)

	metrics.RecordPruneRequest("ok", elements, time.Since(start))
	h.log.Debug("pruned matrix", "rows", len(req.Weights), "elements", elements, "sparsity", resp.Sparsity)
	c.JSON(http.StatusOK, resp)
}
