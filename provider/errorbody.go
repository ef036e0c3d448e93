package provider

import jsoniter "github.com/json-iterator/go"

// jsonErrorBody mirrors the common shape of MinIO admin API JSON error
// responses (S3's own error bodies are XML and are left as opaque status
// codes here, since no provider in this tree needs their detail beyond
// transient/fatal classification, already handled in internal/httphelper).
type jsonErrorBody struct {
	Code    string `json:"Code"`
	Message string `json:"Message"`
}

// decodeJSONErrorBody parses body as a MinIO-style JSON error, returning
// ok=false for anything not shaped like one (XML, plain text, empty body)
// so the caller falls back to reporting the bare status code.
func decodeJSONErrorBody(body []byte) (jsonErrorBody, bool) {
	if len(body) == 0 || body[0] != '{' {
		return jsonErrorBody{}, false
	}
	var e jsonErrorBody
	if err := jsoniter.Unmarshal(body, &e); err != nil {
		return jsonErrorBody{}, false
	}
	if e.Code == "" && e.Message == "" {
		return jsonErrorBody{}, false
	}
	return e, true
}
