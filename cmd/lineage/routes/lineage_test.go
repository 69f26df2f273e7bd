package routes

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/labstack/echo/v4"
	"github.com/lyzr/lineage/cmd/lineage/container"
	"github.com/lyzr/lineage/cmd/lineage/repository"
	"github.com/lyzr/lineage/cmd/lineage/service"
	"github.com/lyzr/lineage/common/bootstrap"
	"github.com/lyzr/lineage/common/logger"
	"github.com/lyzr/lineage/common/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const grnBody = `{
	"product_id": "P-100",
	"location_id": "A-01",
	"quantity": "1000",
	"uom": "kg",
	"batch": "B-7",
	"expiry_date": "2027-01-31",
	"qa_status": "passed",
	"origin_type": "grn",
	"origin_ref": {"grn_id": "GRN-42", "line_no": 1, "received_at": "2026-04-02T08:00:00Z"}
}`

func newTestServer(t *testing.T) *echo.Echo {
	t.Helper()
	log := logger.Discard()

	engine, err := service.NewEngine(service.EngineConfig{
		Store:               repository.NewMemoryStore(),
		Counter:             repository.NewMemoryCounter(),
		Clock:               testclock.NewClock(time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)),
		Sequence:            service.SequenceOptions{Prefix: "LP", Location: time.UTC},
		TransactionalWrites: true,
		Logger:              log,
	})
	require.NoError(t, err)

	e := echo.New()
	e.Validator = validation.NewRequestValidator()
	RegisterLineageRoutes(e, &container.Container{
		Components: &bootstrap.Components{Logger: log},
		Engine:     engine,
	})
	return e
}

func call(t *testing.T, e *echo.Echo, method, path, actor, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if actor != "" {
		req.Header.Set("X-User-ID", actor)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func register(t *testing.T, e *echo.Echo) map[string]interface{} {
	t.Helper()
	rec := call(t, e, http.MethodPost, "/api/v1/units", "receiver", grnBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode(t, rec)
}

func TestRoutes_SplitMergeAndLineage(t *testing.T) {
	e := newTestServer(t)

	unit := register(t, e)
	assert.Equal(t, "LP-20260402-001", unit["unit_number"])
	assert.Equal(t, "grn", unit["origin_type"])
	assert.Equal(t, "passed", unit["qa_status"])
	rootID := unit["id"].(string)

	rec := call(t, e, http.MethodPost, "/api/v1/units/"+rootID+"/split", "operator-1",
		`{"children": [{"quantity": "400"}, {"quantity": "600", "location_id": "B-02"}], "work_order_id": "WO-4"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	split := decode(t, rec)
	assert.Equal(t, true, split["parent"].(map[string]interface{})["is_consumed"])
	children := split["children"].([]interface{})
	require.Len(t, children, 2)
	c1 := children[0].(map[string]interface{})
	c2 := children[1].(map[string]interface{})
	assert.Equal(t, "LP-20260402-002", c1["unit_number"])
	assert.Equal(t, "kg", c1["uom"])

	rec = call(t, e, http.MethodGet, "/api/v1/units/by-number/LP-20260402-001", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["is_consumed"])

	rec = call(t, e, http.MethodPost, "/api/v1/merges", "operator-2", `{
		"input_ids": ["`+c1["id"].(string)+`", "`+c2["id"].(string)+`"],
		"output": {"quantity": "1000", "location_id": "PACK-1"}
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	merged := decode(t, rec)["output"].(map[string]interface{})
	assert.Equal(t, "LP-20260402-004", merged["unit_number"])

	rec = call(t, e, http.MethodGet, "/api/v1/units/"+rootID+"/lineage/forward", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 3, decode(t, rec)["count"])

	rec = call(t, e, http.MethodGet, "/api/v1/units/"+merged["id"].(string)+"/lineage/backward", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 3, decode(t, rec)["count"])

	rec = call(t, e, http.MethodGet, "/api/v1/units/"+rootID+"/genealogy", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 3, decode(t, rec)["count"])

	rec = call(t, e, http.MethodGet, "/api/v1/units/"+rootID+"/genealogy/export", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", rec.Header().Get(echo.HeaderContentType))
	assert.Contains(t, rec.Header().Get(echo.HeaderContentDisposition), "genealogy-"+rootID+".xlsx")
	assert.True(t, strings.HasPrefix(rec.Body.String(), "PK"))
}

func TestRoutes_WriteErrors(t *testing.T) {
	e := newTestServer(t)
	rootID := register(t, e)["id"].(string)
	splitPath := "/api/v1/units/" + rootID + "/split"

	tests := []struct {
		name     string
		method   string
		path     string
		actor    string
		body     string
		wantCode int
		wantErr  string
	}{
		{"no actor", http.MethodPost, "/api/v1/units", "", grnBody, http.StatusUnauthorized, ""},
		{"missing product", http.MethodPost, "/api/v1/units", "receiver",
			`{"location_id": "A-01", "quantity": "5", "uom": "kg", "origin_type": "grn", "origin_ref": {"grn_id": "G"}}`,
			http.StatusBadRequest, "invalid_request"},
		{"split origin not registrable", http.MethodPost, "/api/v1/units", "receiver",
			`{"product_id": "P", "location_id": "A", "quantity": "5", "uom": "kg", "origin_type": "split", "origin_ref": {}}`,
			http.StatusBadRequest, "invalid_request"},
		{"zero quantity", http.MethodPost, "/api/v1/units", "receiver",
			`{"product_id": "P", "location_id": "A", "quantity": "0", "uom": "kg", "origin_type": "grn", "origin_ref": {"grn_id": "G"}}`,
			http.StatusUnprocessableEntity, "invalid_quantity"},
		{"malformed id", http.MethodPost, "/api/v1/units/nope/split", "operator-1",
			`{"children": [{"quantity": "1"}]}`, http.StatusBadRequest, "invalid_request"},
		{"no children", http.MethodPost, splitPath, "operator-1",
			`{"children": []}`, http.StatusBadRequest, "invalid_request"},
		{"over quantity", http.MethodPost, splitPath, "operator-1",
			`{"children": [{"quantity": "700"}, {"quantity": "400"}]}`, http.StatusUnprocessableEntity, "quantity_exceeded"},
		{"unknown parent", http.MethodPost, "/api/v1/units/6f1c2a4e-8d1b-4c57-9a57-0d6e2b8f4a11/split", "operator-1",
			`{"children": [{"quantity": "1"}]}`, http.StatusNotFound, "not_found"},
		{"merge bad input id", http.MethodPost, "/api/v1/merges", "operator-2",
			`{"input_ids": ["x"], "output": {"quantity": "1"}}`, http.StatusBadRequest, "invalid_request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := call(t, e, tt.method, tt.path, tt.actor, tt.body)
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			if tt.wantErr != "" {
				assert.Equal(t, tt.wantErr, decode(t, rec)["error"])
			}
		})
	}
}

func TestRoutes_SplitConsumedParentConflicts(t *testing.T) {
	e := newTestServer(t)
	rootID := register(t, e)["id"].(string)
	splitPath := "/api/v1/units/" + rootID + "/split"

	rec := call(t, e, http.MethodPost, splitPath, "operator-1", `{"children": [{"quantity": "1000"}]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = call(t, e, http.MethodPost, splitPath, "operator-1", `{"children": [{"quantity": "1"}]}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_consumed", decode(t, rec)["error"])
}

func TestRoutes_ValidationFields(t *testing.T) {
	e := newTestServer(t)

	rec := call(t, e, http.MethodPost, "/api/v1/units", "receiver",
		`{"location_id": "A-01", "quantity": "5", "uom": "kg", "expiry_date": "31/01/2027", "origin_type": "grn", "origin_ref": {"grn_id": "G"}}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	fields := decode(t, rec)["fields"].(map[string]interface{})
	assert.Equal(t, "required", fields["product_id"])
	assert.Equal(t, "datetime=2006-01-02", fields["expiry_date"])
}
