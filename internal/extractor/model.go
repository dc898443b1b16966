package extractor

import (
	"encoding/json"
	"regexp"

	"github.com/tidwall/gjson"
)

// ModelRule is the compiled model_extraction_json blob (§4.8 step 5).
type ModelRule struct {
	BodyJSONPath  string
	URLRegex      *regexp.Regexp
	QueryParam    string
	FallbackModel string
}

type rawModelRule struct {
	BodyJSONPath  string `json:"body_json_path"`
	URLRegex      string `json:"url_regex"`
	QueryParam    string `json:"query_param"`
	FallbackModel string `json:"fallback_model"`
}

// CompileModelRule parses a provider's model_extraction_json.
func CompileModelRule(raw json.RawMessage) (*ModelRule, error) {
	if len(raw) == 0 {
		return &ModelRule{}, nil
	}
	var rr rawModelRule
	if err := json.Unmarshal(raw, &rr); err != nil {
		return nil, err
	}
	mr := &ModelRule{
		BodyJSONPath:  rr.BodyJSONPath,
		QueryParam:    rr.QueryParam,
		FallbackModel: rr.FallbackModel,
	}
	if rr.URLRegex != "" {
		re, err := regexp.Compile(rr.URLRegex)
		if err != nil {
			return nil, err
		}
		mr.URLRegex = re
	}
	return mr, nil
}

// responseModelPaths are tried, in order, against the response JSON once the
// request-side rules (body_json_path, url_regex, query_param) all miss.
var responseModelPaths = []string{
	"model",
	"modelName",
	"model_id",
	"data.0.model",
	"choices.0.model",
	"candidates.0.model",
	"response.model",
	"response.modelVersion",
}

// FromRequest applies the request-side rules: body_json_path against the
// request body, url_regex against the URL, query_param against the URL's
// query string, in that priority order. Returns ("", false) if none match.
func (mr *ModelRule) FromRequest(reqBody []byte, url string, query func(name string) (string, bool)) (string, bool) {
	if mr == nil {
		return "", false
	}
	if mr.BodyJSONPath != "" && len(reqBody) > 0 {
		res := gjson.GetBytes(reqBody, mr.BodyJSONPath)
		if res.Exists() && res.Type == gjson.String && res.String() != "" {
			return res.String(), true
		}
	}
	if mr.URLRegex != nil {
		if m := mr.URLRegex.FindStringSubmatch(url); len(m) > 1 {
			return m[1], true
		} else if len(m) == 1 {
			return m[0], true
		}
	}
	if mr.QueryParam != "" && query != nil {
		if v, ok := query(mr.QueryParam); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// FromResponse walks responseModelPaths against one JSON document (typically
// the last non-null SSE event, or the whole JSON body).
func FromResponse(data []byte) (string, bool) {
	j := gjson.ParseBytes(data)
	for _, path := range responseModelPaths {
		res := j.Get(path)
		if res.Exists() && res.Type == gjson.String && res.String() != "" {
			return res.String(), true
		}
	}
	return "", false
}

// Fallback returns the configured fallback_model, or ("", false) if unset.
func (mr *ModelRule) Fallback() (string, bool) {
	if mr == nil || mr.FallbackModel == "" {
		return "", false
	}
	return mr.FallbackModel, true
}
