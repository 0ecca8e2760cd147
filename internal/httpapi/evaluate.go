package httpapi

import (
	"net/http"
	"time"

	"github.com/kestrelsoft/browserplane/internal/core"
)

type evaluateRequest struct {
	UserId     string `json:"userId"`
	Expression string `json:"expression"`
	TimeoutMs  int    `json:"timeoutMs"`
}

type evaluateResponse struct {
	OK         bool            `json:"ok"`
	Value      interface{}     `json:"value,omitempty"`
	ResultType string          `json:"resultType,omitempty"`
	Truncated  bool            `json:"truncated,omitempty"`
	ErrorType  string          `json:"errorType,omitempty"`
	ErrorMsg   string          `json:"error,omitempty"`
}

// handleEvaluate builds the /evaluate and /evaluate-extended handlers,
// which share everything except the rate limit gate and the maximum
// timeout Actions.Evaluate clamps to.
func (c *Core) handleEvaluate(extended bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body evaluateRequest
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, c.Config.NodeEnv, err)
			return
		}
		tabID := core.TabId(pathParam(r, "tabId"))
		userId := userIdFrom(r, body.UserId)
		if err := c.requireOwnedTab(tabID, userId); err != nil {
			writeError(w, c.Config.NodeEnv, err)
			return
		}

		if extended && c.EvalLimiter != nil {
			if ok, retryAfter := c.EvalLimiter.Allow(userId); !ok {
				c.Metrics.IncRateLimitDenied("evaluate-extended")
				writeError(w, c.Config.NodeEnv, core.NewRateLimitedError(retryAfter))
				return
			}
		}

		timeout := time.Duration(body.TimeoutMs) * time.Millisecond

		var result *evaluateResponse
		err := c.withConcurrency(r, userId, func() error {
			res, err := c.Actions.Evaluate(r.Context(), tabID, body.Expression, timeout, extended)
			if err != nil {
				return err
			}
			result = &evaluateResponse{
				OK:         res.OK,
				Value:      res.Value,
				ResultType: res.ResultType,
				Truncated:  res.Truncated,
				ErrorType:  res.ErrorType,
				ErrorMsg:   res.ErrorMsg,
			}
			return nil
		})
		if err != nil {
			writeError(w, c.Config.NodeEnv, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}
