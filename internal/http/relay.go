package http

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/MeteredGateway/internal/gateway"
	log "github.com/sirupsen/logrus"
)

const maxRequestBodyBytes = 16 << 20

// RelayHandler serves the metered inference surface.
type RelayHandler struct {
	pipeline *gateway.Pipeline
}

// NewRelayHandler constructs a RelayHandler.
func NewRelayHandler(pipeline *gateway.Pipeline) *RelayHandler {
	return &RelayHandler{pipeline: pipeline}
}

// Relay forwards the request under /v1 to an upstream and bills it.
func (h *RelayHandler) Relay(c *gin.Context) {
	body, errRead := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBodyBytes+1))
	if errRead != nil {
		WriteError(c, gateway.StageLimitChecking, fmt.Errorf("%w: %v", gateway.ErrBadRequest, errRead))
		return
	}
	if len(body) > maxRequestBodyBytes {
		WriteError(c, gateway.StageLimitChecking, fmt.Errorf("%w: request body too large", gateway.ErrBadRequest))
		return
	}

	path := strings.TrimPrefix(c.Request.URL.Path, "/v1")
	req, errReq := gateway.NewRequest(PrincipalFromContext(c), path, body)
	if errReq != nil {
		WriteError(c, gateway.StageLimitChecking, errReq)
		return
	}
	c.Header("X-Request-ID", req.ID)

	entry, errServe := h.pipeline.Serve(c.Request.Context(), c.Writer, req)
	if errServe != nil {
		if c.Writer.Written() {
			log.WithError(errServe).WithField("request_id", req.ID).Debug("relay finished with error after response started")
			c.Abort()
			return
		}
		WriteError(c, gateway.StageProxying, errServe)
		return
	}
	if entry != nil {
		log.WithFields(log.Fields{
			"request_id": req.ID,
			"model":      req.Model,
			"cost":       entry.Cost,
			"tokens":     entry.TotalTokens,
		}).Debug("relay recorded")
	}
}

// Models lists the priced models.
func (h *RelayHandler) Models(c *gin.Context) {
	payload, errList := h.pipeline.ListModels(c.Request.Context())
	if errList != nil {
		WriteError(c, gateway.StageRecorded, errList)
		return
	}
	c.Data(http.StatusOK, "application/json", payload)
}
