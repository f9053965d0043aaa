package convert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// URLPlaceholder is replaced with the input link in every string of the body template.
const URLPlaceholder = "__URL__"

const maxResponseBytes = 1 << 20

var bracketIndex = regexp.MustCompile(`\[(\d+)\]`)

// batchItemPath and batchLinkKeys back the fallback lookup used when no
// configured result path matches.
const batchItemPath = "data.batchCustomLink.0"

var batchLinkKeys = []string{
	"shortLink", "short_link",
	"longLink", "long_link",
	"trackingLink", "tracking_link",
	"deepLink", "deeplink",
}

// GraphQLConfig describes the remote conversion endpoint.
type GraphQLConfig struct {
	Endpoint        string
	BodyTemplate    string
	Headers         map[string]string
	ResultPaths     []string
	FailCodePath    string
	SuccessFailCode int64
}

// GraphQL converts links by POSTing a templated JSON body to an endpoint.
type GraphQL struct {
	cfg      GraphQLConfig
	template any
	paths    []string
	failPath string
	http     *http.Client
}

// NewGraphQL parses the body template and returns a converter.
// A nil httpClient uses a client with a 15s timeout.
func NewGraphQL(cfg GraphQLConfig, httpClient *http.Client) (*GraphQL, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("graphql endpoint is required")
	}
	var tmpl any
	if err := json.Unmarshal([]byte(cfg.BodyTemplate), &tmpl); err != nil {
		return nil, fmt.Errorf("parse body template: %w", err)
	}
	if !strings.Contains(cfg.BodyTemplate, URLPlaceholder) {
		return nil, fmt.Errorf("body template has no %s placeholder", URLPlaceholder)
	}
	if len(cfg.ResultPaths) == 0 {
		return nil, errors.New("at least one result path is required")
	}
	paths := make([]string, 0, len(cfg.ResultPaths))
	for _, p := range cfg.ResultPaths {
		paths = append(paths, gjsonPath(p))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &GraphQL{
		cfg:      cfg,
		template: tmpl,
		paths:    paths,
		failPath: gjsonPath(cfg.FailCodePath),
		http:     httpClient,
	}, nil
}

// Convert sends one conversion request and extracts the affiliate link.
func (g *GraphQL) Convert(ctx context.Context, link string) (string, error) {
	body, err := json.Marshal(substitute(g.template, link))
	if err != nil {
		return "", fmt.Errorf("encode body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range g.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("conversion request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read conversion response: %w", err)
	}
	return g.parse(resp.StatusCode, raw)
}

func (g *GraphQL) parse(status int, raw []byte) (string, error) {
	doc := gjson.ParseBytes(raw)
	gqlErr := firstGraphQLError(doc)

	if status < 200 || status > 299 {
		msg := doc.Get("error").String()
		if msg == "" {
			msg = gqlErr
		}
		if msg == "" {
			msg = fmt.Sprintf("conversion api returned HTTP %d", status)
		}
		return "", errors.New(msg)
	}
	if gqlErr != "" {
		return "", errors.New(gqlErr)
	}

	if g.failPath != "" {
		code := doc.Get(g.failPath)
		if code.Exists() && code.Type != gjson.Null && code.Int() != g.cfg.SuccessFailCode {
			return "", fmt.Errorf("conversion api returned failCode=%s (expected %d)", code.Raw, g.cfg.SuccessFailCode)
		}
	}

	if link, ok := pickLink(doc, g.paths); ok {
		return link, nil
	}
	return "", fmt.Errorf("conversion api returned no affiliate link (keys=%s)", topKeys(doc))
}

func firstGraphQLError(doc gjson.Result) string {
	errs := doc.Get("errors")
	if !errs.IsArray() || len(errs.Array()) == 0 {
		return ""
	}
	if msg := errs.Get("0.message").String(); msg != "" {
		return msg
	}
	return "graphql error"
}

func pickLink(doc gjson.Result, paths []string) (string, bool) {
	for _, p := range paths {
		if v := doc.Get(p); v.Type == gjson.String {
			if s := strings.TrimSpace(v.Str); s != "" {
				return s, true
			}
		}
	}

	item := doc.Get(batchItemPath)
	if !item.IsObject() {
		return "", false
	}
	for _, k := range batchLinkKeys {
		if v := item.Get(k); v.Type == gjson.String {
			if s := strings.TrimSpace(v.Str); s != "" {
				return s, true
			}
		}
	}
	var found string
	item.ForEach(func(key, value gjson.Result) bool {
		name := strings.ToLower(key.String())
		if !strings.Contains(name, "link") || name == "originallink" || value.Type != gjson.String {
			return true
		}
		if s := strings.TrimSpace(value.Str); s != "" {
			found = s
			return false
		}
		return true
	})
	return found, found != ""
}

func topKeys(doc gjson.Result) string {
	var keys []string
	doc.ForEach(func(key, _ gjson.Result) bool {
		keys = append(keys, key.String())
		return true
	})
	if len(keys) == 0 {
		return "<none>"
	}
	return strings.Join(keys, ",")
}

// gjsonPath accepts "a.b[0].c" as well as gjson's native "a.b.0.c".
func gjsonPath(p string) string {
	return bracketIndex.ReplaceAllString(strings.TrimSpace(p), ".$1")
}

// substitute returns a copy of v with the placeholder replaced in every string.
func substitute(v any, link string) any {
	switch t := v.(type) {
	case string:
		return strings.ReplaceAll(t, URLPlaceholder, link)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = substitute(item, link)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = substitute(item, link)
		}
		return out
	default:
		return v
	}
}
