package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/labelmint/flow/internal/expressions"
	"github.com/labelmint/flow/internal/runtime"
	"github.com/labelmint/flow/internal/sandbox"
	"github.com/labelmint/flow/pkg/schema"
)

// HTTPConfig configures the api_call executor.
type HTTPConfig struct {
	// Client is the shared HTTP client. Safe for concurrent use across
	// nodes and executions; nil falls back to a pooled default.
	Client *http.Client

	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
	defaultAPIKeyHeader    = "X-API-Key"
)

// APICallExecutor handles api_call nodes: an outbound HTTP call with
// interpolated URL/headers/params/body, pluggable authentication, and a
// response-extraction pipeline. The underlying client and its connection
// pool are shared; per-call limits come from the node config.
type APICallExecutor struct {
	config HTTPConfig
	client *http.Client
	interp *expressions.Interpolator
	jq     *expressions.GoJQEngine
	runner sandbox.Runner
}

// NewAPICallExecutor creates the api_call node executor. A nil runner
// falls back to the default expr-based sandbox for script transforms.
func NewAPICallExecutor(cfg HTTPConfig, runner sandbox.Runner) *APICallExecutor {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	if runner == nil {
		runner = sandbox.NewExprRunner(sandbox.Config{})
	}
	return &APICallExecutor{
		config: cfg,
		client: client,
		interp: expressions.NewInterpolator(),
		jq:     expressions.NewGoJQEngine(),
		runner: runner,
	}
}

func (e *APICallExecutor) Type() string { return schema.NodeTypeAPICall }

func (e *APICallExecutor) Execute(ctx context.Context, node *schema.WorkflowNode, rc *runtime.Context) (*schema.NodeResult, error) {
	cfg := node.Config
	continueOnError := node.ContinuesOnError()

	resp, callErr := e.call(ctx, cfg, rc)
	if callErr != nil {
		if !continueOnError {
			return nil, schema.AsFlowError(callErr, schema.ErrCodeTransport).WithNode(node.ID)
		}
		degraded := degradedOutput(callErr, resp)
		rc.Logger().Warn("api call degraded by continueOnError",
			"node_id", node.ID,
			"error", callErr.Error())
		return &schema.NodeResult{
			Output:    degraded,
			Variables: map[string]any{schema.VarLastAPIResponse: degraded},
		}, nil
	}

	output := e.mapResponse(ctx, cfg, resp, rc)
	return &schema.NodeResult{
		Output:    output,
		Variables: map[string]any{schema.VarLastAPIResponse: output},
	}, nil
}

// callResponse is the parsed outcome of one HTTP exchange.
type callResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       any
	DurationMS int64
}

// call performs the interpolated HTTP request and parses the response.
// HTTP status >= 400 counts as a call failure so the node's error policy
// applies to it the same way it applies to transport errors.
func (e *APICallExecutor) call(ctx context.Context, cfg map[string]any, rc *runtime.Context) (*callResponse, error) {
	rawURL := e.interp.Interpolate(stringParam(cfg, "url", ""), rc)
	if rawURL == "" {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "api_call: missing required config 'url'")
	}
	parsed, err := url.ParseRequestURI(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "api_call: invalid url %q", rawURL)
	}

	method := strings.ToUpper(stringParam(cfg, "method", http.MethodGet))

	bodyReader, contentType, err := e.buildBody(cfg, rc)
	if err != nil {
		return nil, err
	}

	timeout, err := durationParam(cfg, "timeout", e.config.DefaultTimeout)
	if err != nil {
		return nil, err
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, bodyReader)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "api_call: cannot build request").WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	for k, v := range e.interpolatedMap(cfg, "headers", rc) {
		req.Header.Set(k, asString(v))
	}

	if params := e.interpolatedMap(cfg, "params", rc); len(params) > 0 {
		q := req.URL.Query()
		for k, v := range params {
			q.Set(k, asString(v))
		}
		req.URL.RawQuery = q.Encode()
	}

	if err := e.applyAuth(reqCtx, req, cfg, rc); err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	durationMS := time.Since(start).Milliseconds()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"api_call: request to %s exceeded %s", rawURL, timeout).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeTransport,
			"api_call: request to %s failed: %v", rawURL, err).WithCause(err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, e.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeTransport, "api_call: cannot read response body").WithCause(err)
	}

	parsedResp := &callResponse{
		StatusCode: resp.StatusCode,
		Headers:    flattenHeaders(resp.Header),
		Body:       parseBody(resp.Header.Get("Content-Type"), bodyBytes),
		DurationMS: durationMS,
	}

	if resp.StatusCode >= 400 {
		return parsedResp, schema.NewErrorf(schema.ErrCodeTransport,
			"api_call: server returned %d", resp.StatusCode).
			WithDetails(map[string]any{"statusCode": resp.StatusCode})
	}
	return parsedResp, nil
}

func (e *APICallExecutor) buildBody(cfg map[string]any, rc *runtime.Context) (io.Reader, string, error) {
	rawBody, ok := cfg["body"]
	if !ok || rawBody == nil {
		return nil, "", nil
	}
	body := e.interp.InterpolateValue(rawBody, rc)

	switch strings.ToLower(stringParam(cfg, "bodyType", "json")) {
	case "form":
		formData, ok := body.(map[string]any)
		if !ok {
			return nil, "", schema.NewError(schema.ErrCodeConfiguration, "api_call: form body must be an object")
		}
		vals := url.Values{}
		for k, v := range formData {
			vals.Set(k, asString(v))
		}
		return strings.NewReader(vals.Encode()), "application/x-www-form-urlencoded", nil
	case "raw":
		return strings.NewReader(asString(body)), "", nil
	case "json":
		b, err := json.Marshal(body)
		if err != nil {
			return nil, "", schema.NewError(schema.ErrCodeConfiguration, "api_call: cannot encode body as JSON").WithCause(err)
		}
		return strings.NewReader(string(b)), "application/json", nil
	default:
		return nil, "", schema.NewErrorf(schema.ErrCodeConfiguration,
			"api_call: unknown bodyType %q (want json, form, or raw)", stringParam(cfg, "bodyType", ""))
	}
}

func (e *APICallExecutor) interpolatedMap(cfg map[string]any, key string, rc *runtime.Context) map[string]any {
	m := mapParam(cfg, key)
	if len(m) == 0 {
		return nil
	}
	out, _ := e.interp.InterpolateValue(m, rc).(map[string]any)
	return out
}

// applyAuth decorates the request per the configured strategy. Strategies
// only touch the outgoing request, never shared state.
func (e *APICallExecutor) applyAuth(ctx context.Context, req *http.Request, cfg map[string]any, rc *runtime.Context) error {
	auth := mapParam(cfg, "authentication")
	if auth == nil {
		return nil
	}

	authType := strings.ToLower(stringParam(auth, "type", ""))
	switch authType {
	case "", "none":
		return nil
	case "bearer":
		token := e.interp.Interpolate(stringParam(auth, "token", ""), rc)
		if token == "" {
			return schema.NewError(schema.ErrCodeConfiguration, "api_call: bearer auth requires a token")
		}
		req.Header.Set("Authorization", "Bearer "+token)
	case "basic":
		username := e.interp.Interpolate(stringParam(auth, "username", ""), rc)
		password := e.interp.Interpolate(stringParam(auth, "password", ""), rc)
		req.SetBasicAuth(username, password)
	case "api_key":
		key := e.interp.Interpolate(stringParam(auth, "key", ""), rc)
		if key == "" {
			return schema.NewError(schema.ErrCodeConfiguration, "api_call: api_key auth requires a key")
		}
		header := stringParam(auth, "header", defaultAPIKeyHeader)
		req.Header.Set(header, key)
	case "oauth2":
		token, err := e.fetchOAuth2Token(ctx, auth, rc)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	default:
		return schema.NewErrorf(schema.ErrCodeConfiguration,
			"api_call: unknown authentication type %q", authType)
	}
	return nil
}

// fetchOAuth2Token runs a client-credentials exchange against the configured
// token endpoint. Tokens are fetched fresh per call; every call therefore
// carries a currently-unexpired token or fails outright.
func (e *APICallExecutor) fetchOAuth2Token(ctx context.Context, auth map[string]any, rc *runtime.Context) (string, error) {
	tokenURL := e.interp.Interpolate(stringParam(auth, "tokenUrl", ""), rc)
	clientID := e.interp.Interpolate(stringParam(auth, "clientId", ""), rc)
	clientSecret := e.interp.Interpolate(stringParam(auth, "clientSecret", ""), rc)
	if tokenURL == "" || clientID == "" || clientSecret == "" {
		return "", schema.NewError(schema.ErrCodeConfiguration,
			"api_call: oauth2 auth requires tokenUrl, clientId, and clientSecret")
	}

	var scopes []string
	for _, s := range sliceParam(auth, "scopes") {
		scopes = append(scopes, asString(s))
	}

	cc := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
	}
	token, err := cc.Token(ctx)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeTransport,
			"api_call: oauth2 token exchange against %s failed: %v", tokenURL, err).WithCause(err)
	}
	return token.AccessToken, nil
}

// --- response handling ---

// mapResponse applies the configured responseMapping to the parsed body.
// Without a mapping the raw body is the node output. Mapping entries are
// either a dotted extraction path or a {path, transform} object; transform
// failures degrade to the untransformed value with a warning.
func (e *APICallExecutor) mapResponse(ctx context.Context, cfg map[string]any, resp *callResponse, rc *runtime.Context) map[string]any {
	mapping := mapParam(cfg, "responseMapping")
	if len(mapping) == 0 {
		if bodyMap, ok := resp.Body.(map[string]any); ok {
			return bodyMap
		}
		return map[string]any{
			"data":       resp.Body,
			"statusCode": resp.StatusCode,
		}
	}

	bodyMap, _ := resp.Body.(map[string]any)
	out := make(map[string]any, len(mapping))
	for key, entry := range mapping {
		out[key] = e.mapEntry(ctx, key, entry, bodyMap, rc)
	}
	return out
}

func (e *APICallExecutor) mapEntry(ctx context.Context, key string, entry any, body map[string]any, rc *runtime.Context) any {
	switch spec := entry.(type) {
	case string:
		val, _ := runtime.ResolvePath(body, spec)
		return val
	case map[string]any:
		path := stringParam(spec, "path", "")
		val, _ := runtime.ResolvePath(body, path)
		transformed, err := e.transform(ctx, spec, val)
		if err != nil {
			rc.Logger().Warn("response transform failed, using untransformed value",
				"mapping_key", key,
				"transform", stringParam(spec, "transform", ""),
				"error", err.Error())
			return val
		}
		return transformed
	default:
		return nil
	}
}

func (e *APICallExecutor) transform(ctx context.Context, spec map[string]any, val any) (any, error) {
	transform := strings.ToLower(stringParam(spec, "transform", ""))
	switch transform {
	case "":
		return val, nil
	case "map":
		lookup := mapParam(spec, "mapping")
		if mapped, ok := lookup[asString(val)]; ok {
			return mapped, nil
		}
		return val, nil
	case "filter":
		items, ok := val.([]any)
		if !ok {
			return nil, fmt.Errorf("filter transform needs an array, got %T", val)
		}
		field := stringParam(spec, "field", "")
		want := asString(spec["equals"])
		var kept []any
		for _, item := range items {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if got, found := runtime.ResolvePath(obj, field); found && asString(got) == want {
				kept = append(kept, item)
			}
		}
		return kept, nil
	case "format":
		template := stringParam(spec, "template", "")
		return strings.ReplaceAll(template, "{value}", asString(val)), nil
	case "script":
		return e.runner.Run(ctx, stringParam(spec, "script", ""), map[string]any{"value": val})
	case "jq":
		data := map[string]any{"value": val}
		return e.jq.Evaluate(ctx, stringParam(spec, "expression", ""), data)
	default:
		return nil, fmt.Errorf("unknown transform %q", transform)
	}
}

func degradedOutput(err error, resp *callResponse) map[string]any {
	out := map[string]any{
		"success": false,
		"error":   err.Error(),
	}
	if resp != nil {
		out["statusCode"] = resp.StatusCode
		out["data"] = resp.Body
	} else {
		out["statusCode"] = 0
		out["data"] = nil
	}
	return out
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func parseBody(contentType string, body []byte) any {
	if len(body) == 0 {
		return nil
	}
	if strings.Contains(contentType, "application/json") {
		var parsed any
		if err := json.Unmarshal(body, &parsed); err == nil {
			return parsed
		}
	}
	return string(body)
}

var _ Executor = (*APICallExecutor)(nil)
