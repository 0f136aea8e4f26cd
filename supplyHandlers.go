package main

import (
	"context"
	"errors"
	"net/http"

	"bitbucket.org/mmdatafocus/sellerops_backend/config"
	"bitbucket.org/mmdatafocus/sellerops_backend/models"
	"bitbucket.org/mmdatafocus/sellerops_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type supplyAllocator interface {
	Reconcile(ctx context.Context, userId, supplyId string, desired []models.NewSupplyProcurement) (*models.Supply, error)
}

type supplySeeder interface {
	SyncSupplies(ctx context.Context, userId, goodId string) (int64, error)
}

type supplyReader interface {
	FindSupplies(ctx context.Context, userId string, filter *models.SupplyFilter) ([]*models.Supply, error)
	GetSupply(ctx context.Context, userId, supplyId string) (*models.Supply, error)
}

type procurementStore interface {
	FindProcurements(ctx context.Context, userId string, filter *models.ProcurementFilter, sort models.SortOrder) ([]*models.Procurement, error)
	CountProcurements(ctx context.Context, userId string, filter *models.ProcurementFilter) (int64, error)
	GetProcurement(ctx context.Context, userId, procurementId string) (*models.Procurement, error)
	CreateProcurement(ctx context.Context, userId string, input *models.NewProcurement) (*models.Procurement, error)
}

type modelReader struct{}

func (modelReader) FindSupplies(ctx context.Context, userId string, filter *models.SupplyFilter) ([]*models.Supply, error) {
	return models.FindSupplies(ctx, userId, filter)
}

func (modelReader) GetSupply(ctx context.Context, userId, supplyId string) (*models.Supply, error) {
	return models.GetSupply(ctx, userId, supplyId)
}

func (modelReader) FindProcurements(ctx context.Context, userId string, filter *models.ProcurementFilter, sort models.SortOrder) ([]*models.Procurement, error) {
	return models.FindProcurements(ctx, userId, filter, sort)
}

func (modelReader) CountProcurements(ctx context.Context, userId string, filter *models.ProcurementFilter) (int64, error) {
	return models.CountProcurements(ctx, userId, filter)
}

func (modelReader) GetProcurement(ctx context.Context, userId, procurementId string) (*models.Procurement, error) {
	return models.GetProcurement(ctx, userId, procurementId)
}

func (modelReader) CreateProcurement(ctx context.Context, userId string, input *models.NewProcurement) (*models.Procurement, error) {
	return models.CreateProcurement(ctx, userId, input)
}

type supplyHandlers struct {
	allocator    supplyAllocator
	seeder       supplySeeder
	supplies     supplyReader
	procurements procurementStore
	logger       *logrus.Logger
}

func registerSupplyRoutes(r gin.IRouter, h *supplyHandlers) {
	supply := r.Group("/supply")
	supply.GET("/list", h.listSupplies())
	supply.GET("/:supplyId", h.getSupply())
	supply.PATCH("/:supplyId/update-supply-procurements", h.updateSupplyProcurements())

	procurement := r.Group("/procurement")
	procurement.POST("", h.createProcurement())
	procurement.GET("/list", h.listProcurements())
	procurement.GET("/count", h.countProcurements())
	procurement.GET("/:procurementId", h.getProcurement())
}

func userIdOrAbort(c *gin.Context) (string, bool) {
	userId, ok := utils.GetUserIdFromContext(c.Request.Context())
	if !ok || userId == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return userId, true
}

// respondError maps the error taxonomy onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, utils.ErrorInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, utils.ErrorRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, utils.ErrorConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "concurrent update, retry"})
	default:
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (h *supplyHandlers) listSupplies() gin.HandlerFunc {
	return func(c *gin.Context) {
		userId, ok := userIdOrAbort(c)
		if !ok {
			return
		}
		filter := &models.SupplyFilter{
			GoodId:        c.Query("goodId"),
			ProcurementId: c.Query("procurementId"),
		}
		// seeding is best effort; stored shipments are listed regardless
		if filter.GoodId != "" && h.seeder != nil {
			if _, err := h.seeder.SyncSupplies(c.Request.Context(), userId, filter.GoodId); err != nil {
				h.logger.WithFields(logrus.Fields{
					"field":   "listSupplies",
					"good_id": filter.GoodId,
				}).Warn("supply seeding skipped: " + err.Error())
			}
		}
		supplies, err := h.supplies.FindSupplies(c.Request.Context(), userId, filter)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, supplies)
	}
}

func (h *supplyHandlers) getSupply() gin.HandlerFunc {
	return func(c *gin.Context) {
		userId, ok := userIdOrAbort(c)
		if !ok {
			return
		}
		supply, err := h.supplies.GetSupply(c.Request.Context(), userId, c.Param("supplyId"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, supply)
	}
}

// Procurements must be present; an explicit [] detaches every lot.
type updateSupplyProcurementsRequest struct {
	Procurements []models.NewSupplyProcurement `json:"procurements" binding:"required"`
}

func (h *supplyHandlers) updateSupplyProcurements() gin.HandlerFunc {
	return func(c *gin.Context) {
		userId, ok := userIdOrAbort(c)
		if !ok {
			return
		}
		var req updateSupplyProcurementsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		supply, err := h.allocator.Reconcile(c.Request.Context(), userId, c.Param("supplyId"), req.Procurements)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, supply)
	}
}

func procurementFilterFromQuery(c *gin.Context) (*models.ProcurementFilter, error) {
	statuses, err := models.ParseAttachmentStatuses(c.Query("attachmentStatuses"))
	if err != nil {
		return nil, errors.Join(utils.ErrorInvalidInput, err)
	}
	filter := &models.ProcurementFilter{
		ProjectId:          c.Query("projectId"),
		GoodId:             c.Query("goodId"),
		SupplyId:           c.Query("supplyId"),
		AttachmentStatuses: statuses,
	}
	lifecycle, err := models.ParseProcurementStatuses(c.Query("status"))
	if err != nil {
		return nil, errors.Join(utils.ErrorInvalidInput, err)
	}
	filter.Status = lifecycle
	return filter, nil
}

func (h *supplyHandlers) listProcurements() gin.HandlerFunc {
	return func(c *gin.Context) {
		userId, ok := userIdOrAbort(c)
		if !ok {
			return
		}
		filter, err := procurementFilterFromQuery(c)
		if err != nil {
			respondError(c, err)
			return
		}
		procurements, err := h.procurements.FindProcurements(c.Request.Context(), userId, filter, models.ParseSortOrder(c.Query("sort")))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, procurements)
	}
}

func (h *supplyHandlers) countProcurements() gin.HandlerFunc {
	return func(c *gin.Context) {
		userId, ok := userIdOrAbort(c)
		if !ok {
			return
		}
		filter, err := procurementFilterFromQuery(c)
		if err != nil {
			respondError(c, err)
			return
		}
		if filter.GoodId == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "goodId is required"})
			return
		}
		count, err := h.procurements.CountProcurements(c.Request.Context(), userId, filter)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"count": count})
	}
}

func (h *supplyHandlers) getProcurement() gin.HandlerFunc {
	return func(c *gin.Context) {
		userId, ok := userIdOrAbort(c)
		if !ok {
			return
		}
		procurement, err := h.procurements.GetProcurement(c.Request.Context(), userId, c.Param("procurementId"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, procurement)
	}
}

func (h *supplyHandlers) createProcurement() gin.HandlerFunc {
	return func(c *gin.Context) {
		userId, ok := userIdOrAbort(c)
		if !ok {
			return
		}
		var input models.NewProcurement
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		procurement, err := h.procurements.CreateProcurement(c.Request.Context(), userId, &input)
		if err != nil {
			config.LogError(h.logger, "supplyHandlers.go", "createProcurement", "creating procurement", input.GoodId, err)
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, procurement)
	}
}
