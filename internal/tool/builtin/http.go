package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"maps"
	"mime"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	xerrors "tiny-agent/internal/errors"
	"tiny-agent/internal/tool"
)

const (
	defaultHTTPTimeout   = 30 * time.Second
	defaultCacheSize     = 128
	defaultMaxBodyBytes  = 5 << 20
	defaultHTTPUserAgent = "tiny-agent/1.0"
)

// HTTPConfig 配置 http_request 工具。CacheTTL 为 0 时不缓存。
type HTTPConfig struct {
	Timeout      time.Duration
	CacheTTL     time.Duration
	CacheSize    int
	MaxBodyBytes int64
	UserAgent    string
	Client       *http.Client
}

type httpArgs struct {
	Method  string            `json:"method,omitempty" jsonschema:"description=HTTP method,default=GET"`
	URL     string            `json:"url" jsonschema:"required,description=Absolute http or https URL"`
	Headers map[string]string `json:"headers,omitempty" jsonschema:"description=Request headers"`
	Body    string            `json:"body,omitempty" jsonschema:"description=Raw request body"`
	JSON    any               `json:"json,omitempty" jsonschema:"description=JSON request body"`
	Timeout float64           `json:"timeout,omitempty" jsonschema:"description=Timeout in seconds"`
}

// HTTPTool 发起 HTTP 请求。非 2xx 响应仍视为成功，由调用方根据 status_code 判断。
type HTTPTool struct {
	cfg    HTTPConfig
	client *http.Client
	cache  *expirable.LRU[string, map[string]any]
	schema map[string]any
}

// NewHTTPTool 创建 http_request 工具。
func NewHTTPTool(cfg HTTPConfig) *HTTPTool {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultHTTPUserAgent
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	t := &HTTPTool{cfg: cfg, client: client, schema: tool.SchemaFor[httpArgs]()}
	if cfg.CacheTTL > 0 {
		size := cfg.CacheSize
		if size <= 0 {
			size = defaultCacheSize
		}
		t.cache = expirable.NewLRU[string, map[string]any](size, nil, cfg.CacheTTL)
	}
	return t
}

// Info 实现 tool.Tool。
func (t *HTTPTool) Info() tool.Info {
	return tool.Info{
		Name:         "http_request",
		Description:  "Make HTTP requests to web APIs",
		Schema:       t.schema,
		Capabilities: []tool.Capability{tool.CapabilityNetwork},
	}
}

// Execute 实现 tool.Tool。
func (t *HTTPTool) Execute(ctx context.Context, raw map[string]any) *tool.Result {
	args, err := tool.DecodeArgs[httpArgs](raw)
	if err != nil {
		return tool.FromError(err)
	}
	method := strings.ToUpper(strings.TrimSpace(args.Method))
	if method == "" {
		method = http.MethodGet
	}
	target, err := url.Parse(strings.TrimSpace(args.URL))
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return tool.Failf(xerrors.CodeToolInvalidArgs, "invalid url: %q", args.URL)
	}

	cacheKey := ""
	if t.cache != nil && method == http.MethodGet && args.Body == "" && args.JSON == nil {
		cacheKey = cacheKeyFor(target.String(), args.Headers)
		if data, ok := t.cache.Get(cacheKey); ok {
			res := tool.OK(maps.Clone(data))
			res.Metadata = map[string]any{"cached": true}
			return res
		}
	}

	timeout := t.cfg.Timeout
	if args.Timeout > 0 {
		timeout = time.Duration(args.Timeout * float64(time.Second))
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, contentType, err := requestBody(args)
	if err != nil {
		return tool.FromError(err)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, target.String(), body)
	if err != nil {
		return tool.Failf(xerrors.CodeToolInvalidArgs, "build request: %v", err)
	}
	req.Header.Set("User-Agent", t.cfg.UserAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for key, value := range args.Headers {
		req.Header.Set(key, value)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if stdErrors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return tool.Failf(xerrors.CodeTimeout, "request timed out after %s", timeout)
		}
		return tool.Failf(xerrors.CodeToolFailure, "request failed: %v", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, t.cfg.MaxBodyBytes))
	if err != nil {
		return tool.Failf(xerrors.CodeToolFailure, "read response: %v", err)
	}

	data := map[string]any{
		"status_code": resp.StatusCode,
		"headers":     flattenHeaders(resp.Header),
		"text":        string(payload),
		"json":        nil,
	}
	if isJSON(resp.Header.Get("Content-Type")) && len(payload) > 0 {
		var decoded any
		if err := json.Unmarshal(payload, &decoded); err == nil {
			data["json"] = decoded
		}
	}

	if cacheKey != "" && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		t.cache.Add(cacheKey, maps.Clone(data))
	}
	return tool.OK(data)
}

func requestBody(args httpArgs) (io.Reader, string, error) {
	if args.JSON != nil {
		encoded, err := json.Marshal(args.JSON)
		if err != nil {
			return nil, "", xerrors.Wrap(xerrors.CodeToolInvalidArgs, err, "json 参数无法编码")
		}
		return bytes.NewReader(encoded), "application/json", nil
	}
	if args.Body != "" {
		return strings.NewReader(args.Body), "", nil
	}
	return nil, "", nil
}

func flattenHeaders(header http.Header) map[string]any {
	out := make(map[string]any, len(header))
	for key, values := range header {
		out[strings.ToLower(key)] = strings.Join(values, ", ")
	}
	return out
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

func cacheKeyFor(target string, headers map[string]string) string {
	if len(headers) == 0 {
		return target
	}
	keys := make([]string, 0, len(headers))
	for key := range headers {
		keys = append(keys, strings.ToLower(key))
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(target)
	for _, key := range keys {
		fmt.Fprintf(&b, "|%s", key)
		for name, value := range headers {
			if strings.EqualFold(name, key) {
				fmt.Fprintf(&b, "=%s", value)
			}
		}
	}
	return b.String()
}
