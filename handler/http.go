package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pyama86/mixstatus/domain/entity"
	"github.com/pyama86/mixstatus/domain/repository"
	"github.com/pyama86/mixstatus/workflow"
)

type functionInfo struct {
	workflow.Function
	Runs []entity.JobRun `json:"runs,omitempty"`
}

// NewRouter はジョブの起動と確認用のAPIを返す
func NewRouter(engine *workflow.Engine, subscriber repository.Subscriber, gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api")
	{
		api.GET("/jobs", func(c *gin.Context) {
			c.JSON(http.StatusOK, engine.Functions())
		})

		api.GET("/jobs/:name", func(c *gin.Context) {
			fn, ok := engine.Function(c.Param("name"))
			if !ok {
				c.JSON(http.StatusNotFound, gin.H{"error": "unknown function"})
				return
			}
			limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
			runs, err := engine.Runs().RecentRuns(c.Request.Context(), fn.ID, limit)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, functionInfo{Function: fn, Runs: runs})
		})

		api.PUT("/jobs/:name", func(c *gin.Context) {
			fn, ok := engine.Function(c.Param("name"))
			if !ok {
				c.JSON(http.StatusNotFound, gin.H{"error": "unknown function"})
				return
			}
			slog.Info("Function definition synced", slog.String("function", fn.ID))
			c.JSON(http.StatusOK, fn)
		})

		api.POST("/jobs/:name", func(c *gin.Context) {
			body, err := io.ReadAll(c.Request.Body)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			if len(body) > 0 && !json.Valid(body) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "body must be JSON"})
				return
			}
			ids, err := engine.Send(c.Request.Context(), workflow.Event{Name: c.Param("name"), Data: body})
			if err != nil {
				if errors.Is(err, workflow.ErrNoFunction) {
					c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
					return
				}
				slog.Error("Failed to send event", slog.String("event", c.Param("name")), slog.Any("err", err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusAccepted, gin.H{"ids": ids})
		})

		api.GET("/runs/:id", func(c *gin.Context) {
			run, err := engine.Runs().FindRun(c.Request.Context(), c.Param("id"))
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			if run == nil {
				c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
				return
			}
			c.JSON(http.StatusOK, run)
		})

		if subscriber != nil {
			api.GET("/events/stream", func(c *gin.Context) {
				streamNotifications(c, subscriber)
			})
		}
	}
	return r
}

func streamNotifications(c *gin.Context, subscriber repository.Subscriber) {
	ctx := c.Request.Context()
	ch := make(chan entity.Notification, 16)
	unsubscribe, err := subscriber.Subscribe(ctx, func(n entity.Notification) {
		select {
		case ch <- n:
		default:
			// 遅い購読者は取りこぼす
		}
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer unsubscribe()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case n := <-ch:
			c.SSEvent(n.Name, n.Data)
			return true
		}
	})
}
