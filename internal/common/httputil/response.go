// Package httputil renders the dispatcher's JSON response envelope. Every
// API handler replies with the same shape so clients parse the success and
// error paths uniformly.
package httputil

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// APIResponse is the envelope wrapping every dispatcher API reply.
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func write(ctx *fasthttp.RequestCtx, resp APIResponse, statusCode int) {
	body, _ := json.Marshal(resp)
	ctx.SetStatusCode(statusCode)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// JSONResponse sends a fully specified envelope.
func JSONResponse(ctx *fasthttp.RequestCtx, success bool, message string, data interface{}, statusCode int) {
	write(ctx, APIResponse{Success: success, Message: message, Data: data}, statusCode)
}

// JSONError reports a failure with a human-readable message.
func JSONError(ctx *fasthttp.RequestCtx, message string, statusCode int) {
	write(ctx, APIResponse{Message: message}, statusCode)
}

// JSONSuccess acknowledges an operation that produces no payload.
func JSONSuccess(ctx *fasthttp.RequestCtx, message string, statusCode int) {
	write(ctx, APIResponse{Success: true, Message: message}, statusCode)
}

// JSONData returns a payload-carrying success.
func JSONData(ctx *fasthttp.RequestCtx, data interface{}, statusCode int) {
	write(ctx, APIResponse{Success: true, Data: data}, statusCode)
}
