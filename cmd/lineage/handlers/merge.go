package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/lyzr/lineage/cmd/lineage/container"
	"github.com/lyzr/lineage/cmd/lineage/middleware"
	"github.com/lyzr/lineage/cmd/lineage/models"
	"github.com/lyzr/lineage/cmd/lineage/service"
	"github.com/lyzr/lineage/common/bootstrap"
	"github.com/shopspring/decimal"
)

// MergeHandler handles merge requests
type MergeHandler struct {
	components *bootstrap.Components
	engine     *service.Engine
}

// NewMergeHandler creates a new merge handler
func NewMergeHandler(c *container.Container) *MergeHandler {
	return &MergeHandler{
		components: c.Components,
		engine:     c.Engine,
	}
}

type mergeRequest struct {
	InputIDs          []string           `json:"input_ids" validate:"required,min=1,dive,uuid"`
	Output            mergeOutputRequest `json:"output"`
	WorkOrderID       *string            `json:"work_order_id,omitempty"`
	OperationSequence *int               `json:"operation_sequence,omitempty" validate:"omitempty,min=1"`
}

// omitted fields default to the first input's values
type mergeOutputRequest struct {
	ProductID   string          `json:"product_id,omitempty"`
	LocationID  string          `json:"location_id,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	UOM         string          `json:"uom,omitempty"`
	Batch       *string         `json:"batch,omitempty"`
	ExpiryDate  *string         `json:"expiry_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	QAStatus    *string         `json:"qa_status,omitempty" validate:"omitempty,oneof=pending passed failed quarantine"`
	StageSuffix *string         `json:"stage_suffix,omitempty"`
}

// Merge combines units into one output unit
// POST /api/v1/merges
func (h *MergeHandler) Merge(c echo.Context) error {
	ctx := c.Request().Context()

	actor, ok, err := middleware.RequireActor(c)
	if !ok {
		return err
	}

	var req mergeRequest
	if ok, err := bindAndValidate(c, &req); !ok {
		return err
	}

	inputs := make([]uuid.UUID, len(req.InputIDs))
	for i, s := range req.InputIDs {
		// format already checked by the uuid rule
		inputs[i] = uuid.MustParse(s)
	}

	out := models.MergeOutput{
		ProductID:   req.Output.ProductID,
		LocationID:  req.Output.LocationID,
		Quantity:    req.Output.Quantity,
		UOM:         req.Output.UOM,
		Batch:       req.Output.Batch,
		StageSuffix: req.Output.StageSuffix,
	}
	if req.Output.ExpiryDate != nil {
		d, _ := time.Parse(dateLayout, *req.Output.ExpiryDate)
		out.ExpiryDate = &d
	}
	if req.Output.QAStatus != nil {
		qa := models.QAStatus(*req.Output.QAStatus)
		out.QAStatus = &qa
	}

	h.components.Logger.Info("merging units",
		"actor_id", actor,
		"inputs", len(inputs))

	res, err := h.engine.Merge(ctx, models.MergeRequest{
		InputIDs:          inputs,
		Output:            out,
		ActorID:           actor,
		WorkOrderID:       req.WorkOrderID,
		OperationSequence: req.OperationSequence,
	})
	if err != nil {
		return respondError(c, h.components.Logger, err)
	}

	return c.JSON(http.StatusCreated, res)
}
