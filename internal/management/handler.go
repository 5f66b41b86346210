package management

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"orderhooks/internal/constants"
	"orderhooks/internal/logger"
	"orderhooks/internal/order"
	"orderhooks/internal/webhook"
	"orderhooks/pkg/errors"
)

// HeaderUserID names the caller in audit logs.
const HeaderUserID = "X-User-ID"

type Handler struct {
	Service Service
	Logger  logger.Logger
}

func NewHandler(service Service, log logger.Logger) *Handler {
	return &Handler{
		Service: service,
		Logger:  log,
	}
}

func (h *Handler) HandleError(c *gin.Context, err error) {
	status := errors.ToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.Logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)
	}
	c.JSON(status, errors.ToErrorResponse(err))
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		subscriptions := v1.Group("/subscriptions")
		{
			subscriptions.GET("", h.ListSubscriptions)
			subscriptions.POST("", h.CreateSubscription)
			subscriptions.GET("/:id", h.GetSubscription)
			subscriptions.PUT("/:id", h.UpdateSubscription)
			subscriptions.DELETE("/:id", h.DeleteSubscription)
			subscriptions.GET("/:id/audit", h.GetSubscriptionAuditLogs)
		}

		events := v1.Group("/events")
		{
			events.GET("", h.ListEvents)
			events.GET("/:id", h.GetEvent)
			events.GET("/:id/deliveries", h.GetEventDeliveries)
		}

		v1.GET("/deliveries", h.ListDeliveries)

		orders := v1.Group("/orders")
		{
			orders.GET("", h.ListOrders)
			orders.POST("", h.SubmitOrder)
			orders.GET("/:id", h.GetOrder)
			orders.PATCH("/:id/status", h.UpdateOrderStatus)
		}

		processed := v1.Group("/processed-messages")
		{
			processed.GET("", h.ListProcessedMessages)
			processed.GET("/:id", h.GetProcessedMessage)
		}
	}
}

func actorContext(c *gin.Context) context.Context {
	return WithActor(c.Request.Context(), c.GetHeader(HeaderUserID), c.ClientIP())
}

func bindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
}

// ListSubscriptions godoc
// @Summary      List webhook subscriptions
// @Description  Newest first, optionally restricted to one event type
// @Tags         subscriptions
// @Produce      json
// @Param        event_type  query     string  false  "Event type"
// @Success      200         {array}   webhook.Subscription
// @Failure      503         {object}  errors.ErrorResponse
// @Router       /subscriptions [get]
func (h *Handler) ListSubscriptions(c *gin.Context) {
	subs, err := h.Service.ListSubscriptions(c.Request.Context(), c.Query("event_type"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, subs)
}

// CreateSubscription godoc
// @Summary      Create a webhook subscription
// @Description  A secret is generated when none is supplied. active defaults to true.
// @Tags         subscriptions
// @Accept       json
// @Produce      json
// @Param        subscription  body      CreateSubscriptionRequest  true  "Subscription"
// @Success      201           {object}  webhook.Subscription
// @Failure      400           {object}  errors.ErrorResponse
// @Failure      503           {object}  errors.ErrorResponse
// @Router       /subscriptions [post]
func (h *Handler) CreateSubscription(c *gin.Context) {
	var req CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	sub, err := h.Service.CreateSubscription(actorContext(c), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sub)
}

// GetSubscription godoc
// @Summary      Get a webhook subscription
// @Tags         subscriptions
// @Produce      json
// @Param        id   path      string  true  "Subscription ID"
// @Success      200  {object}  webhook.Subscription
// @Failure      404  {object}  errors.ErrorResponse
// @Router       /subscriptions/{id} [get]
func (h *Handler) GetSubscription(c *gin.Context) {
	sub, err := h.Service.GetSubscription(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

// UpdateSubscription godoc
// @Summary      Update a webhook subscription
// @Description  Only the supplied fields change. Deactivating cancels pending retries.
// @Tags         subscriptions
// @Accept       json
// @Produce      json
// @Param        id            path      string                     true  "Subscription ID"
// @Param        subscription  body      UpdateSubscriptionRequest  true  "Changed fields"
// @Success      200           {object}  webhook.Subscription
// @Failure      400           {object}  errors.ErrorResponse
// @Failure      404           {object}  errors.ErrorResponse
// @Router       /subscriptions/{id} [put]
func (h *Handler) UpdateSubscription(c *gin.Context) {
	var req UpdateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	sub, err := h.Service.UpdateSubscription(actorContext(c), c.Param("id"), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

// DeleteSubscription godoc
// @Summary      Delete a webhook subscription
// @Tags         subscriptions
// @Param        id   path  string  true  "Subscription ID"
// @Success      204  "No Content"
// @Failure      404  {object}  errors.ErrorResponse
// @Router       /subscriptions/{id} [delete]
func (h *Handler) DeleteSubscription(c *gin.Context) {
	if err := h.Service.DeleteSubscription(actorContext(c), c.Param("id")); err != nil {
		h.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetSubscriptionAuditLogs godoc
// @Summary      Audit history of a subscription
// @Tags         subscriptions
// @Produce      json
// @Param        id     path      string  true   "Subscription ID"
// @Param        limit  query     int     false  "Maximum number of logs to return (1-1000)" default(100)
// @Success      200    {array}   AuditLog
// @Router       /subscriptions/{id}/audit [get]
func (h *Handler) GetSubscriptionAuditLogs(c *gin.Context) {
	logs, err := h.Service.GetAuditLogs(c.Request.Context(), c.Param("id"), parseLimit(c.Query("limit")))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

// ListEvents godoc
// @Summary      List published webhook events
// @Tags         events
// @Produce      json
// @Param        event_type  query     string  false  "Event type"
// @Param        limit       query     int     false  "Page size (1-1000)" default(100)
// @Param        offset      query     int     false  "Offset"
// @Success      200         {array}   webhook.Event
// @Router       /events [get]
func (h *Handler) ListEvents(c *gin.Context) {
	events, err := h.Service.ListEvents(c.Request.Context(), webhook.EventQuery{
		EventType: c.Query("event_type"),
		Limit:     parseLimit(c.Query("limit")),
		Offset:    parseOffset(c.Query("offset")),
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

// GetEvent godoc
// @Summary      Get a webhook event
// @Tags         events
// @Produce      json
// @Param        id   path      string  true  "Event ID"
// @Success      200  {object}  webhook.Event
// @Failure      404  {object}  errors.ErrorResponse
// @Router       /events/{id} [get]
func (h *Handler) GetEvent(c *gin.Context) {
	event, err := h.Service.GetEvent(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, event)
}

// GetEventDeliveries godoc
// @Summary      Delivery attempts of an event
// @Tags         events
// @Produce      json
// @Param        id   path      string  true  "Event ID"
// @Success      200  {object}  EventWithDeliveries
// @Failure      404  {object}  errors.ErrorResponse
// @Router       /events/{id}/deliveries [get]
func (h *Handler) GetEventDeliveries(c *gin.Context) {
	result, err := h.Service.GetEventDeliveries(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ListDeliveries godoc
// @Summary      List delivery attempts
// @Tags         deliveries
// @Produce      json
// @Param        status           query     string  false  "pending, delivered or failed"
// @Param        subscription_id  query     string  false  "Subscription ID"
// @Param        limit            query     int     false  "Page size (1-1000)" default(100)
// @Param        offset           query     int     false  "Offset"
// @Success      200              {array}   webhook.Delivery
// @Failure      400              {object}  errors.ErrorResponse
// @Router       /deliveries [get]
func (h *Handler) ListDeliveries(c *gin.Context) {
	deliveries, err := h.Service.ListDeliveries(c.Request.Context(), webhook.DeliveryQuery{
		Status:         webhook.DeliveryStatus(c.Query("status")),
		SubscriptionID: c.Query("subscription_id"),
		Limit:          parseLimit(c.Query("limit")),
		Offset:         parseOffset(c.Query("offset")),
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, deliveries)
}

// SubmitOrder godoc
// @Summary      Submit an order request
// @Description  The request is queued for the order service. The returned message_id is the idempotency key.
// @Tags         orders
// @Accept       json
// @Produce      json
// @Param        order  body      order.CreateOrderInput  true  "Order"
// @Success      202    {object}  AcceptedOrder
// @Failure      400    {object}  errors.ErrorResponse
// @Failure      503    {object}  errors.ErrorResponse
// @Router       /orders [post]
func (h *Handler) SubmitOrder(c *gin.Context) {
	var input order.CreateOrderInput
	if err := c.ShouldBindJSON(&input); err != nil {
		bindError(c, err)
		return
	}

	accepted, err := h.Service.SubmitOrder(c.Request.Context(), input)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, accepted)
}

// ListOrders godoc
// @Summary      List orders
// @Tags         orders
// @Produce      json
// @Param        limit   query     int  false  "Page size (1-1000)" default(100)
// @Param        offset  query     int  false  "Offset"
// @Success      200     {array}   order.Order
// @Router       /orders [get]
func (h *Handler) ListOrders(c *gin.Context) {
	orders, err := h.Service.ListOrders(c.Request.Context(), parseLimit(c.Query("limit")), parseOffset(c.Query("offset")))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, orders)
}

// GetOrder godoc
// @Summary      Get an order
// @Tags         orders
// @Produce      json
// @Param        id   path      string  true  "Order ID"
// @Success      200  {object}  order.Order
// @Failure      404  {object}  errors.ErrorResponse
// @Router       /orders/{id} [get]
func (h *Handler) GetOrder(c *gin.Context) {
	o, err := h.Service.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

// UpdateOrderStatus godoc
// @Summary      Change an order's status
// @Tags         orders
// @Accept       json
// @Produce      json
// @Param        id      path      string                    true  "Order ID"
// @Param        status  body      UpdateOrderStatusRequest  true  "PENDING, COMPLETED or CANCELLED"
// @Success      200     {object}  order.Order
// @Failure      400     {object}  errors.ErrorResponse
// @Failure      404     {object}  errors.ErrorResponse
// @Router       /orders/{id}/status [patch]
func (h *Handler) UpdateOrderStatus(c *gin.Context) {
	var req UpdateOrderStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	o, err := h.Service.UpdateOrderStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

// ListProcessedMessages godoc
// @Summary      Recently claimed message ids
// @Tags         idempotency
// @Produce      json
// @Param        consumer  query     string  false  "Consumer name"
// @Param        limit     query     int     false  "Maximum number of records (1-1000)" default(100)
// @Success      200       {array}   idempotency.Record
// @Router       /processed-messages [get]
func (h *Handler) ListProcessedMessages(c *gin.Context) {
	records, err := h.Service.ListProcessedMessages(c.Request.Context(), c.Query("consumer"), parseLimit(c.Query("limit")))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

// GetProcessedMessage godoc
// @Summary      Claims recorded for a message id
// @Tags         idempotency
// @Produce      json
// @Param        id   path      string  true  "Message ID"
// @Success      200  {array}   idempotency.Record
// @Failure      404  {object}  errors.ErrorResponse
// @Router       /processed-messages/{id} [get]
func (h *Handler) GetProcessedMessage(c *gin.Context) {
	records, err := h.Service.GetProcessedMessage(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

func parseLimit(limitStr string) int {
	if limitStr == "" {
		return constants.DefaultLimit
	}
	parsed, err := strconv.Atoi(limitStr)
	if err != nil || parsed <= 0 || parsed > constants.MaxLimit {
		return constants.DefaultLimit
	}
	return parsed
}

func parseOffset(offsetStr string) int {
	parsed, err := strconv.Atoi(offsetStr)
	if err != nil || parsed < 0 {
		return 0
	}
	return parsed
}
