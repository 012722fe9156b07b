package main

import (
	"bytes"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kwv/slicealign/align"
)

// newHTTPServer creates the review server with all endpoints
func newHTTPServer(app *App) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(log.Logger))
	r.Use(requestMetrics())
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{"http://localhost:3000"},
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	r.GET("/health", func(c *gin.Context) {
		version := 0
		if app.Store != nil {
			version = app.Store.Version()
		}
		c.JSON(http.StatusOK, gin.H{
			"status":       "ok",
			"timestamp":    time.Now(),
			"sessions":     app.Sessions.Len(),
			"atlasVersion": version,
			"mqtt":         app.MQTTClient != nil && app.MQTTClient.IsConnected(),
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s := r.Group("/sessions")
	s.GET("", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": app.Sessions.List()})
	})
	s.GET("/:id", withSession(app, func(c *gin.Context, res *align.PipelineResult) {
		c.JSON(http.StatusOK, app.sessionDetail(res))
	}))
	s.GET("/:id/overlay.svg", withSession(app, func(c *gin.Context, res *align.PipelineResult) {
		var buf bytes.Buffer
		if err := overlay(app, res).RenderSVG(&buf); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.Header("Cache-Control", "no-cache")
		c.Data(http.StatusOK, "image/svg+xml", buf.Bytes())
	}))
	s.GET("/:id/overlay.png", withSession(app, func(c *gin.Context, res *align.PipelineResult) {
		var buf bytes.Buffer
		if err := overlay(app, res).RenderPNG(&buf); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.Header("Cache-Control", "no-cache")
		c.Data(http.StatusOK, "image/png", buf.Bytes())
	}))
	s.GET("/:id/geometry.geojson", withSession(app, func(c *gin.Context, res *align.PipelineResult) {
		data, err := resultGeoJSON(res)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.Data(http.StatusOK, "application/geo+json", data)
	}))
	s.GET("/:id/lmd.xml", withSession(app, func(c *gin.Context, res *align.PipelineResult) {
		if res.Excision == nil {
			c.JSON(http.StatusConflict, gin.H{"error": "slice has no exportable excision geometry"})
			return
		}
		var buf bytes.Buffer
		if err := align.WriteLMDXML(&buf, res.Excision); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Data(http.StatusOK, "application/xml", buf.Bytes())
	}))
	s.POST("/:id/edits", func(c *gin.Context) {
		var e align.Edit
		if err := c.ShouldBindJSON(&e); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := app.ApplyEdit(c.Param("id"), e)
		switch {
		case errors.Is(err, errSessionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case res == nil:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case err != nil:
			// edit stored, export failed closed
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "session": app.sessionDetail(res)})
		default:
			c.JSON(http.StatusOK, app.sessionDetail(res))
		}
	})
	return r
}

// withSession resolves :id or answers 404
func withSession(app *App, h func(*gin.Context, *align.PipelineResult)) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, ok := app.Sessions.Get(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		h(c, res)
	}
}

func overlay(app *App, res *align.PipelineResult) *align.OverlayRenderer {
	var polys []align.Polygon
	if res.Extraction != nil {
		polys = res.Extraction.Polygons
	}
	return align.NewOverlayRenderer(app.slice(res.ID), polys, res.Ontology())
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := logger.Debug()
		if status >= 500 {
			event = logger.Error()
		} else if status >= 400 {
			event = logger.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", routePath(c)).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Int("bytes", c.Writer.Size()).
			Msg("http_request")
	}
}

func requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		align.RecordHTTPRequest(c.Request.Method, routePath(c), c.Writer.Status(), time.Since(start))
	}
}

// routePath is the matched route, keeping metric label cardinality bounded
func routePath(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return "unmatched"
}
