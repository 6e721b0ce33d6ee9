package pubsub

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Gateway exposes Broker subscriptions over Server-Sent Events.
type Gateway struct {
	broker *Broker
}

// NewGateway wraps a Broker for HTTP exposure.
func NewGateway(broker *Broker) *Gateway {
	return &Gateway{broker: broker}
}

// RegisterRoutes adds the progress-stream endpoint to an Echo group.
func (g *Gateway) RegisterRoutes(group *echo.Group) {
	group.GET("/sync-jobs/:id/progress", g.handleProgress)
}

func (g *Gateway) handleProgress(c echo.Context) error {
	syncJobID := c.Param("id")
	if syncJobID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "missing sync job id"})
	}

	ctx := c.Request().Context()
	events, cancel, err := g.broker.Subscribe(ctx, syncJobID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	defer cancel()

	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return nil
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(c.Response(), "data: %s\n\n", data); err != nil {
				return err
			}
			c.Response().Flush()

		case <-ctx.Done():
			return nil
		}
	}
}
