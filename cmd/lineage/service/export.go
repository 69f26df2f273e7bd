package service

import (
	"fmt"
	"io"

	"github.com/lyzr/lineage/cmd/lineage/models"
	"github.com/xuri/excelize/v2"
)

const genealogySheet = "Genealogy"

var genealogyHeaders = []string{
	"Level", "Unit Number", "Parent Unit", "Via", "Quantity", "UOM",
	"Quantity Consumed", "Consumed", "Work Order", "Operation Seq",
}

// WriteGenealogyXLSX renders a genealogy chain as an audit workbook. The
// first row names the root unit; the table starts on row 3.
func WriteGenealogyXLSX(w io.Writer, root *models.Unit, nodes []models.GenealogyNode) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", genealogySheet); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}

	numbers := map[string]string{root.ID.String(): root.UnitNumber}
	for _, n := range nodes {
		numbers[n.UnitID.String()] = n.UnitNumber
	}

	title := []interface{}{"Genealogy of", root.UnitNumber, root.ProductID, root.Quantity.InexactFloat64(), root.UOM}
	if err := writeRow(f, genealogySheet, 1, title); err != nil {
		return err
	}

	headers := make([]interface{}, len(genealogyHeaders))
	for i, h := range genealogyHeaders {
		headers[i] = h
	}
	if err := writeRow(f, genealogySheet, 3, headers); err != nil {
		return err
	}

	for i, n := range nodes {
		values := []interface{}{
			n.Level,
			n.UnitNumber,
			numbers[n.ParentUnitID.String()],
			string(n.Via),
			n.Quantity.InexactFloat64(),
			n.UOM,
			n.QuantityConsumed.InexactFloat64(),
			n.IsConsumed,
			deref(n.WorkOrderID),
			derefInt(n.OperationSequence),
		}
		if err := writeRow(f, genealogySheet, i+4, values); err != nil {
			return err
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write genealogy workbook: %w", err)
	}
	return nil
}

// writeRow fills row from column A onwards
func writeRow(f *excelize.File, sheet string, row int, values []interface{}) error {
	for col, v := range values {
		cell, err := excelize.CoordinatesToCellName(col+1, row)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, v); err != nil {
			return fmt.Errorf("failed to write cell %s: %w", cell, err)
		}
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt(v *int) interface{} {
	if v == nil {
		return ""
	}
	return *v
}
