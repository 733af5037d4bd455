package api

import (
	"net/http"
	"strconv"

	"funnel-automation/backend/internal/services"

	"github.com/labstack/echo/v4"
)

// ReceiveWebhook accepts an external trigger delivery
// (POST /webhooks/{workflowId})
func (s *Server) ReceiveWebhook(c echo.Context) error {
	r := c.Request()

	payload := map[string]any{}
	if r.ContentLength != 0 {
		if err := (&echo.DefaultBinder{}).BindBody(c, &payload); err != nil {
			return writeError(c, http.StatusBadRequest, "Invalid request body", err.Error())
		}
	}

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	testMode, _ := strconv.ParseBool(r.Header.Get("X-Test-Mode"))
	res, err := s.Ingress.HandleTrigger(r.Context(), services.TriggerRequest{
		WorkflowID: c.Param("workflowId"),
		EventType:  r.Header.Get("X-Event-Type"),
		Payload:    payload,
		Headers:    headers,
		SourceIP:   c.RealIP(),
		TestMode:   testMode,
	})
	if err != nil {
		return s.writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}
