package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/vetsync/backend/internal/appointments"
	"github.com/MarcoPoloResearchLab/vetsync/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/vetsync/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/vetsync/backend/internal/syncproto"
	"github.com/MarcoPoloResearchLab/vetsync/backend/internal/tenants"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	userIDContextKey   = "vetsync_user_id"
	tenantIDContextKey = "vetsync_tenant_id"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingAppointments     = errors.New("appointments service dependency required")
	errMissingAuthorizer       = errors.New("tenant authorizer dependency required")
	errMissingHub              = errors.New("realtime hub dependency required")
)

type Dependencies struct {
	SessionValidator *auth.SessionValidator
	Appointments     *appointments.Service
	Authorizer       realtime.Authorizer
	Hub              *realtime.Hub
	Metrics          prometheus.Gatherer
	AllowedOrigins   []string
	Logger           *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Appointments == nil {
		return nil, errMissingAppointments
	}
	if deps.Authorizer == nil {
		return nil, errMissingAuthorizer
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		sessions:     deps.SessionValidator,
		appointments: deps.Appointments,
		authorizer:   deps.Authorizer,
		hub:          deps.Hub,
		logger:       logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{})))
	}
	router.GET("/ws", handler.handleWebSocket)

	protected := router.Group("/tenants/:tenantId")
	protected.Use(handler.authorizeRequest, handler.authorizeTenant)
	protected.GET("/appointments", handler.handleListAppointments)
	protected.POST("/appointments", handler.handleCreateAppointment)
	protected.PATCH("/appointments/:appointmentId/status", handler.handleUpdateStatus)
	protected.POST("/appointments/:appointmentId/reschedule", handler.handleReschedule)
	protected.DELETE("/appointments/:appointmentId", handler.handleDeleteAppointment)

	return router, nil
}

func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			allowed[trimmed] = struct{}{}
		}
	}
	return cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			if len(allowed) == 0 {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	sessions     *auth.SessionValidator
	appointments *appointments.Service
	authorizer   realtime.Authorizer
	hub          *realtime.Hub
	logger       *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": h.hub.Registry().Count(),
	})
}

type appointmentListPayload struct {
	Date         string                        `json:"date"`
	Appointments []syncproto.AppointmentRecord `json:"appointments"`
}

func (h *httpHandler) handleListAppointments(c *gin.Context) {
	date := c.Query("date")
	if strings.TrimSpace(date) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_date"})
		return
	}
	records, err := h.appointments.ListByDate(c.Request.Context(), c.GetString(tenantIDContextKey), date)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	canonical, _ := syncproto.ParseDate(date)
	c.JSON(http.StatusOK, appointmentListPayload{Date: canonical, Appointments: records})
}

type createAppointmentPayload struct {
	ScheduledDate string          `json:"scheduledDate"`
	StartTime     string          `json:"startTime"`
	Status        string          `json:"status"`
	PetName       string          `json:"petName"`
	ClientName    string          `json:"clientName"`
	Details       json.RawMessage `json:"details"`
}

func (h *httpHandler) handleCreateAppointment(c *gin.Context) {
	var request createAppointmentPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	created, err := h.appointments.Create(c.Request.Context(), appointments.NewAppointment{
		TenantID:      c.GetString(tenantIDContextKey),
		ScheduledDate: request.ScheduledDate,
		StartTime:     request.StartTime,
		Status:        request.Status,
		PetName:       request.PetName,
		ClientName:    request.ClientName,
		Details:       request.Details,
		ActorID:       c.GetString(userIDContextKey),
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created.Record())
}

type statusPayload struct {
	Status          string `json:"status"`
	ExpectedVersion int64  `json:"expectedVersion"`
}

func (h *httpHandler) handleUpdateStatus(c *gin.Context) {
	var request statusPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	updated, err := h.appointments.UpdateStatus(c.Request.Context(), appointments.StatusUpdate{
		TenantID:        c.GetString(tenantIDContextKey),
		AppointmentID:   c.Param("appointmentId"),
		Status:          request.Status,
		ExpectedVersion: request.ExpectedVersion,
		ActorID:         c.GetString(userIDContextKey),
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated.Record())
}

type reschedulePayload struct {
	ScheduledDate   string `json:"scheduledDate"`
	StartTime       string `json:"startTime"`
	ExpectedVersion int64  `json:"expectedVersion"`
}

func (h *httpHandler) handleReschedule(c *gin.Context) {
	var request reschedulePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	moved, err := h.appointments.Reschedule(c.Request.Context(), appointments.RescheduleRequest{
		TenantID:        c.GetString(tenantIDContextKey),
		AppointmentID:   c.Param("appointmentId"),
		ScheduledDate:   request.ScheduledDate,
		StartTime:       request.StartTime,
		ExpectedVersion: request.ExpectedVersion,
		ActorID:         c.GetString(userIDContextKey),
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, moved.Record())
}

func (h *httpHandler) handleDeleteAppointment(c *gin.Context) {
	var expectedVersion int64
	if raw := c.Query("expectedVersion"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_expected_version"})
			return
		}
		expectedVersion = parsed
	}
	err := h.appointments.Delete(c.Request.Context(), appointments.DeleteRequest{
		TenantID:        c.GetString(tenantIDContextKey),
		AppointmentID:   c.Param("appointmentId"),
		ExpectedVersion: expectedVersion,
		ActorID:         c.GetString(userIDContextKey),
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) writeServiceError(c *gin.Context, err error) {
	code := "internal_error"
	var serviceErr *appointments.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, appointments.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, appointments.ErrVersionConflict):
		status = http.StatusConflict
	case errors.Is(err, syncproto.ErrInvalidDate),
		errors.Is(err, appointments.ErrInvalidStatus),
		errors.Is(err, appointments.ErrInvalidStartTime),
		errors.Is(err, appointments.ErrInvalidDetails),
		errors.Is(err, appointments.ErrInvalidTenantID),
		errors.Is(err, appointments.ErrInvalidAppointmentID):
		status = http.StatusBadRequest
	default:
		h.logger.Error("appointment request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Warn("session validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Next()
}

func (h *httpHandler) authorizeTenant(c *gin.Context) {
	tenantID := strings.TrimSpace(c.Param("tenantId"))
	userID := c.GetString(userIDContextKey)
	if err := h.authorizer.Authorize(c.Request.Context(), tenantID, userID); err != nil {
		if errors.Is(err, tenants.ErrNotMember) || errors.Is(err, tenants.ErrInvalidIdentity) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		h.logger.Error("tenant authorization failed", zap.String("tenant_id", tenantID), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "authorization_failed"})
		return
	}
	c.Set(tenantIDContextKey, tenantID)
	c.Next()
}
