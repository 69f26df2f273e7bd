package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/lyzr/lineage/cmd/lineage/container"
	"github.com/lyzr/lineage/cmd/lineage/middleware"
	"github.com/lyzr/lineage/cmd/lineage/models"
	"github.com/lyzr/lineage/cmd/lineage/service"
	"github.com/lyzr/lineage/common/bootstrap"
	"github.com/shopspring/decimal"
)

// SplitHandler handles split requests
type SplitHandler struct {
	components *bootstrap.Components
	engine     *service.Engine
}

// NewSplitHandler creates a new split handler
func NewSplitHandler(c *container.Container) *SplitHandler {
	return &SplitHandler{
		components: c.Components,
		engine:     c.Engine,
	}
}

type splitRequest struct {
	Children          []splitChildRequest `json:"children" validate:"required,min=1,dive"`
	WorkOrderID       *string             `json:"work_order_id,omitempty"`
	OperationSequence *int                `json:"operation_sequence,omitempty" validate:"omitempty,min=1"`
}

// empty uom and location_id inherit the parent's
type splitChildRequest struct {
	Quantity   decimal.Decimal `json:"quantity"`
	UOM        string          `json:"uom,omitempty"`
	LocationID string          `json:"location_id,omitempty"`
}

// Split divides a unit into children
// POST /api/v1/units/:id/split
func (h *SplitHandler) Split(c echo.Context) error {
	ctx := c.Request().Context()

	parentID, ok, err := unitIDParam(c)
	if !ok {
		return err
	}

	actor, ok, err := middleware.RequireActor(c)
	if !ok {
		return err
	}

	var req splitRequest
	if ok, err := bindAndValidate(c, &req); !ok {
		return err
	}

	children := make([]models.SplitChild, len(req.Children))
	for i, ch := range req.Children {
		children[i] = models.SplitChild{
			Quantity:   ch.Quantity,
			UOM:        ch.UOM,
			LocationID: ch.LocationID,
		}
	}

	h.components.Logger.Info("splitting unit",
		"parent_id", parentID,
		"actor_id", actor,
		"children", len(children))

	res, err := h.engine.Split(ctx, models.SplitRequest{
		ParentID:          parentID,
		Children:          children,
		ActorID:           actor,
		WorkOrderID:       req.WorkOrderID,
		OperationSequence: req.OperationSequence,
	})
	if err != nil {
		return respondError(c, h.components.Logger, err)
	}

	return c.JSON(http.StatusCreated, res)
}
