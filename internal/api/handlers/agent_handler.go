package handlers

import (
	"net/http"

	"github.com/danghamo/busline/internal/api/jsonrpcx"
)

// AgentInfo describes the agent to the page it serves
type AgentInfo struct {
	Role      string `json:"role"`
	BusNo     string `json:"bus_no,omitempty"`
	StationID string `json:"station_id,omitempty"`
	StreamURL string `json:"stream_url"`
}

// AgentHandler handles agent information requests
type AgentHandler struct {
	info AgentInfo
}

// NewAgentHandler creates a new agent handler
func NewAgentHandler(info AgentInfo) *AgentHandler {
	return &AgentHandler{info: info}
}

// HandleInfo handles POST /api/v1/agent.Info
func (h *AgentHandler) HandleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonrpcx.Error(w, nil, jsonrpcx.MethodNotFound, "Method not allowed")
		return
	}

	req, err := jsonrpcx.ParseRequest(r)
	if err != nil {
		jsonrpcx.Error(w, nil, jsonrpcx.ParseError, "Invalid JSON-RPC request")
		return
	}

	jsonrpcx.Success(w, req.ID, h.info)
}
