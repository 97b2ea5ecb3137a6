// Package httpapi wires the Query Service's gin routes: the index pages,
// one route group per supported API version, the resource-type GET
// endpoints backed by internal/queryapi, the subscriptions CRUD backed by
// internal/subscription, and the WebSocket upgrade backed by internal/wsapi.
package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nmos-tools/queryservice/internal/apperrors"
	"github.com/nmos-tools/queryservice/internal/logger"
	"github.com/nmos-tools/queryservice/internal/queryapi"
	"github.com/nmos-tools/queryservice/internal/resource"
	"github.com/nmos-tools/queryservice/internal/subscription"
	"github.com/nmos-tools/queryservice/internal/validator"
	"github.com/nmos-tools/queryservice/internal/wsapi"
)

const apiNamespace = "x-nmos"
const apiName = "query"

// Versions lists every API version this build serves, oldest first. v1.0
// is dropped by the caller (supportedVersions in cmd/queryservice) when
// https_mode is "enabled"; NewRouter mounts whatever list it is given.
var Versions = []string{"v1.0", "v1.1", "v1.2", "v1.3"}

var resourceTypes = []resource.Type{
	resource.TypeNode, resource.TypeDevice, resource.TypeSource,
	resource.TypeFlow, resource.TypeSender, resource.TypeReceiver,
}

// Handler bundles the services a version's route group dispatches to.
type Handler struct {
	query *queryapi.Service
	subs  *subscription.Registry
	hub   *wsapi.Hub
}

// NewHandler creates a Handler serving query through the given registry
// and WebSocket hub.
func NewHandler(query *queryapi.Service, subs *subscription.Registry, hub *wsapi.Hub) *Handler {
	return &Handler{query: query, subs: subs, hub: hub}
}

// NewRouter builds the complete gin engine: global index pages plus one
// route group per entry in versions.
func NewRouter(h *Handler, versions []string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, []string{apiNamespace + "/"})
	})
	r.GET("/"+apiNamespace+"/", func(c *gin.Context) {
		c.JSON(http.StatusOK, []string{apiName + "/"})
	})
	r.GET("/"+apiNamespace+"/"+apiName+"/", func(c *gin.Context) {
		out := make([]string, 0, len(versions))
		for _, v := range versions {
			out = append(out, v+"/")
		}
		c.JSON(http.StatusOK, out)
	})

	for _, v := range versions {
		h.registerVersion(r, v)
	}

	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		logger.HTTP().Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Msg("request handled")
	}
}

func (h *Handler) registerVersion(r *gin.Engine, apiVersion string) {
	basePath := "/" + apiNamespace + "/" + apiName + "/" + apiVersion
	group := r.Group(basePath)

	group.GET("/", func(c *gin.Context) {
		endpoints := []string{"subscriptions/"}
		for _, t := range resourceTypes {
			endpoints = append(endpoints, string(t)+"/")
		}
		c.JSON(http.StatusOK, endpoints)
	})

	group.GET("/subscriptions/", h.listSubscriptions(apiVersion))
	group.POST("/subscriptions", h.createSubscription(apiVersion))
	group.POST("/subscriptions/", h.createSubscription(apiVersion))
	group.GET("/subscriptions/:id", h.getSubscription)
	group.DELETE("/subscriptions/:id", h.deleteSubscription)

	group.GET("/ws/", h.serveWebSocket)

	for _, t := range resourceTypes {
		path := string(t)
		group.GET("/"+path+"/", h.listResources(apiVersion, path))
		group.GET("/"+path+"/:id", h.getResource(apiVersion, path))
	}
}

func queryArgs(c *gin.Context) map[string]string {
	args := make(map[string]string, len(c.Request.URL.Query()))
	for k, values := range c.Request.URL.Query() {
		if len(values) > 0 {
			args[k] = values[0]
		}
	}
	return args
}

func (h *Handler) respondError(c *gin.Context, err error) {
	if appErr, ok := err.(*apperrors.AppError); ok {
		c.JSON(appErr.StatusCode, appErr.ToResponse())
		return
	}
	c.JSON(http.StatusInternalServerError, apperrors.InternalServer(err.Error()).ToResponse())
}

func (h *Handler) listResources(apiVersion, resourcePath string) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := h.query.Get(c.Request.Context(), apiVersion, resourcePath, "", queryArgs(c))
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result.List)
	}
}

func (h *Handler) getResource(apiVersion, resourcePath string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		result, err := h.query.Get(c.Request.Context(), apiVersion, resourcePath, id, queryArgs(c))
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result.Doc)
	}
}

// subscriptionRequest is the wire shape of a POST /subscriptions body.
type subscriptionRequest struct {
	ResourcePath    string            `json:"resource_path" binding:"required" validate:"resourcepath"`
	Params          map[string]string `json:"params"`
	Persist         bool              `json:"persist"`
	MaxUpdateRateMs int               `json:"max_update_rate_ms"`
}

func (h *Handler) createSubscription(apiVersion string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req subscriptionRequest
		if !validator.BindAndValidate(c, &req) {
			return
		}

		trimmed := strings.Trim(req.ResourcePath, "/")
		if trimmed != "" && !resource.IsValidType(resource.Type(trimmed)) {
			c.JSON(http.StatusBadRequest, apperrors.MalformedRequest("resource_path names an unknown resource type").ToResponse())
			return
		}

		sub, created := h.subs.Post(subscription.Request{
			ResourcePath:    req.ResourcePath,
			Params:          req.Params,
			Persist:         req.Persist,
			MaxUpdateRateMs: req.MaxUpdateRateMs,
		}, apiVersion)

		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		c.JSON(status, subscriptionResponse(sub))
	}
}

func (h *Handler) listSubscriptions(apiVersion string) gin.HandlerFunc {
	return func(c *gin.Context) {
		all := h.subs.GetAll()
		out := make([]gin.H, 0, len(all))
		for _, sub := range all {
			if sub.APIVersion != apiVersion {
				continue
			}
			out = append(out, subscriptionResponse(sub))
		}
		c.JSON(http.StatusOK, out)
	}
}

func (h *Handler) getSubscription(c *gin.Context) {
	sub := h.subs.Get(c.Param("id"))
	if sub == nil {
		c.JSON(http.StatusNotFound, apperrors.NotFound("subscription").ToResponse())
		return
	}
	c.JSON(http.StatusOK, subscriptionResponse(sub))
}

func (h *Handler) deleteSubscription(c *gin.Context) {
	h.subs.Delete(c.Param("id"))
	c.Status(http.StatusNoContent)
}

func (h *Handler) serveWebSocket(c *gin.Context) {
	id := c.Query("uid")
	if id == "" {
		c.JSON(http.StatusBadRequest, apperrors.MalformedRequest("uid query parameter is required").ToResponse())
		return
	}
	h.hub.ServeHTTP(c.Writer, c.Request, id)
}

func subscriptionResponse(sub *subscription.Subscription) gin.H {
	return gin.H{
		"id":                 sub.ID,
		"resource_path":      sub.ResourcePath,
		"params":             sub.Params,
		"persist":            sub.Persist,
		"max_update_rate_ms": sub.MaxUpdateRateMs,
		"ws_href":            sub.WSHref,
		"secure":             strings.HasPrefix(sub.WSHref, "wss://"),
	}
}
