package handlers

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/lyzr/lineage/cmd/lineage/container"
	"github.com/lyzr/lineage/cmd/lineage/service"
	"github.com/lyzr/lineage/common/bootstrap"
)

const xlsxMIME = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// LineageHandler serves lineage and genealogy queries
type LineageHandler struct {
	components *bootstrap.Components
	engine     *service.Engine
}

// NewLineageHandler creates a new lineage handler
func NewLineageHandler(c *container.Container) *LineageHandler {
	return &LineageHandler{
		components: c.Components,
		engine:     c.Engine,
	}
}

// Forward lists the units this unit went into
// GET /api/v1/units/:id/lineage/forward
func (h *LineageHandler) Forward(c echo.Context) error {
	id, ok, err := unitIDParam(c)
	if !ok {
		return err
	}

	nodes, err := h.engine.ForwardLineage(c.Request().Context(), id)
	if err != nil {
		return respondError(c, h.components.Logger, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"unit_id": id,
		"nodes":   nodes,
		"count":   len(nodes),
	})
}

// Backward lists the units this unit was made from
// GET /api/v1/units/:id/lineage/backward
func (h *LineageHandler) Backward(c echo.Context) error {
	id, ok, err := unitIDParam(c)
	if !ok {
		return err
	}

	nodes, err := h.engine.BackwardLineage(c.Request().Context(), id)
	if err != nil {
		return respondError(c, h.components.Logger, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"unit_id": id,
		"nodes":   nodes,
		"count":   len(nodes),
	})
}

// Genealogy lists every descendant with its split ledger
// GET /api/v1/units/:id/genealogy
func (h *LineageHandler) Genealogy(c echo.Context) error {
	id, ok, err := unitIDParam(c)
	if !ok {
		return err
	}

	nodes, err := h.engine.Genealogy(c.Request().Context(), id)
	if err != nil {
		return respondError(c, h.components.Logger, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"unit_id": id,
		"nodes":   nodes,
		"count":   len(nodes),
	})
}

// ExportGenealogy downloads the genealogy as an XLSX workbook
// GET /api/v1/units/:id/genealogy/export
func (h *LineageHandler) ExportGenealogy(c echo.Context) error {
	id, ok, err := unitIDParam(c)
	if !ok {
		return err
	}

	// buffered so an error can still be answered as JSON
	var buf bytes.Buffer
	if err := h.engine.ExportGenealogy(c.Request().Context(), id, &buf); err != nil {
		return respondError(c, h.components.Logger, err)
	}

	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf("attachment; filename=%q", "genealogy-"+id.String()+".xlsx"))
	return c.Blob(http.StatusOK, xlsxMIME, buf.Bytes())
}
