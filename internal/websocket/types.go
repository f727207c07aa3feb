// internal/websocket/types.go
package websocket

// Message kinds.
const (
	KindRPCRequest  = "rpc_request"
	KindRPCResponse = "rpc_response"
	KindEvent       = "event"
)

// RPCRequest is a method call from a client.
type RPCRequest struct {
	ID     string        `json:"id"`
	Method string        `json:"method"` // e.g. "SendTurn"
	Params []interface{} `json:"params"`
}

// RPCResponse answers the request with the same ID.
type RPCResponse struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// WSEvent is pushed by the server without a request.
type WSEvent struct {
	Type    string      `json:"type"` // e.g. "bridge-output"
	Payload interface{} `json:"payload"`
}

// WSMessage wraps every frame on the socket. Exactly one of Request,
// Response and Event is set, matching Kind.
type WSMessage struct {
	Kind     string       `json:"kind"`
	Request  *RPCRequest  `json:"request,omitempty"`
	Response *RPCResponse `json:"response,omitempty"`
	Event    *WSEvent     `json:"event,omitempty"`
}
