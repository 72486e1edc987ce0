package server

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"glyphdb.dev/glyphdb/values"
)

type rpcRequest struct {
	Statements []statementDTO             `json:"statements"`
	Params     map[string]json.RawMessage `json:"params,omitempty"`
}

type queryResultDTO struct {
	ElapsedMS int64        `json:"elapsedMs"`
	Value     values.Value `json:"value,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// handleRPC is the HTTP batch-execute endpoint (spec §6.3): decode a
// statement batch, run it through the Engine, and return one result per
// statement, in order, regardless of individual statement failure (only a
// transport-level decode failure yields a non-200 response).
func (s *Server) handleRPC(c echo.Context) error {
	var req rpcRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	stmts, err := statementsFromDTO(req.Statements)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	params := make(map[string]values.Value, len(req.Params))
	for k, raw := range req.Params {
		var v values.Value
		if err := v.UnmarshalJSON(raw); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid param "+k)
		}
		params[k] = v
	}

	results := s.engine.Execute(c.Request().Context(), stmts, sessionFrom(c), params)

	out := make([]queryResultDTO, len(results))
	for i, r := range results {
		out[i] = queryResultDTO{ElapsedMS: r.Elapsed.Milliseconds(), Value: r.Value}
		if r.Err != nil {
			out[i].Error = r.Err.Error()
		}
	}
	return c.JSON(http.StatusOK, out)
}
