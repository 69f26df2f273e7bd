package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/lyzr/lineage/cmd/lineage/container"
	"github.com/lyzr/lineage/cmd/lineage/middleware"
	"github.com/lyzr/lineage/cmd/lineage/models"
	"github.com/lyzr/lineage/cmd/lineage/service"
	"github.com/lyzr/lineage/common/bootstrap"
	"github.com/shopspring/decimal"
)

// UnitHandler handles unit registration and lookup
type UnitHandler struct {
	components *bootstrap.Components
	engine     *service.Engine
}

// NewUnitHandler creates a new unit handler
func NewUnitHandler(c *container.Container) *UnitHandler {
	return &UnitHandler{
		components: c.Components,
		engine:     c.Engine,
	}
}

type registerUnitRequest struct {
	ProductID   string          `json:"product_id" validate:"required"`
	LocationID  string          `json:"location_id" validate:"required"`
	Quantity    decimal.Decimal `json:"quantity"`
	UOM         string          `json:"uom" validate:"required"`
	Batch       *string         `json:"batch,omitempty"`
	ExpiryDate  string          `json:"expiry_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	QAStatus    string          `json:"qa_status,omitempty" validate:"omitempty,oneof=pending passed failed quarantine"`
	StageSuffix string          `json:"stage_suffix,omitempty"`
	OriginType  string          `json:"origin_type" validate:"required,oneof=grn wo"`
	OriginRef   json.RawMessage `json:"origin_ref" validate:"required"`
}

// RegisterUnit creates a unit from a goods receipt or work order
// POST /api/v1/units
func (h *UnitHandler) RegisterUnit(c echo.Context) error {
	ctx := c.Request().Context()

	actor, ok, err := middleware.RequireActor(c)
	if !ok {
		return err
	}

	var req registerUnitRequest
	if ok, err := bindAndValidate(c, &req); !ok {
		return err
	}

	origin, err := models.DecodeOrigin(models.OriginType(req.OriginType), req.OriginRef)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	}

	var expiry *time.Time
	if req.ExpiryDate != "" {
		// format already checked by the datetime rule
		d, _ := time.Parse(dateLayout, req.ExpiryDate)
		expiry = &d
	}

	unit, err := h.engine.RegisterUnit(ctx, models.RegisterRequest{
		ProductID:   req.ProductID,
		LocationID:  req.LocationID,
		Quantity:    req.Quantity,
		UOM:         req.UOM,
		Batch:       req.Batch,
		ExpiryDate:  expiry,
		QAStatus:    models.QAStatus(req.QAStatus),
		StageSuffix: req.StageSuffix,
		Origin:      origin,
		ActorID:     actor,
	})
	if err != nil {
		return respondError(c, h.components.Logger, err)
	}

	return c.JSON(http.StatusCreated, unit)
}

// GetUnit retrieves a unit by id
// GET /api/v1/units/:id
func (h *UnitHandler) GetUnit(c echo.Context) error {
	id, ok, err := unitIDParam(c)
	if !ok {
		return err
	}

	unit, err := h.engine.GetUnit(c.Request().Context(), id)
	if err != nil {
		return respondError(c, h.components.Logger, err)
	}
	return c.JSON(http.StatusOK, unit)
}

// GetUnitByNumber retrieves a unit by its unit number
// GET /api/v1/units/by-number/:number
func (h *UnitHandler) GetUnitByNumber(c echo.Context) error {
	unit, err := h.engine.GetUnitByNumber(c.Request().Context(), c.Param("number"))
	if err != nil {
		return respondError(c, h.components.Logger, err)
	}
	return c.JSON(http.StatusOK, unit)
}
