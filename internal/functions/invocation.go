// Package functions adapts the proxy core to the Azure Functions custom
// handler protocol: the Functions host POSTs an invocation envelope per
// request and expects the HTTP output binding back as JSON.
package functions

// InvokeRequest is the envelope the Functions host sends for an HTTP trigger.
type InvokeRequest struct {
	Data     InvokeData     `json:"Data"`
	Metadata map[string]any `json:"Metadata,omitempty"`
}

// InvokeData carries the trigger payload, keyed by binding name.
type InvokeData struct {
	Req HTTPTrigger `json:"req"`
}

// HTTPTrigger is the inbound HTTP request as seen by the Functions host.
type HTTPTrigger struct {
	URL     string              `json:"Url"`
	Method  string              `json:"Method"`
	Query   map[string]string   `json:"Query,omitempty"`
	Headers map[string][]string `json:"Headers"`
	Params  map[string]string   `json:"Params"`
	Body    string              `json:"Body,omitempty"`
}

// InvokeResponse is returned to the host; Outputs.res becomes the HTTP reply.
type InvokeResponse struct {
	Outputs     InvokeOutputs `json:"Outputs"`
	Logs        []string      `json:"Logs"`
	ReturnValue any           `json:"ReturnValue"`
}

// InvokeOutputs holds the output bindings.
type InvokeOutputs struct {
	Res HTTPOutput `json:"res"`
}

// HTTPOutput is the HTTP output binding.
type HTTPOutput struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}
