package convert

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sonsusit20051/ConvertSP/internal/linknorm"
)

const product = "https://shopee.co.th/Shirt-i.111.222?sp_atk=x&y=1"

func TestAffiliateRedirect(t *testing.T) {
	t.Parallel()

	_, err := NewAffiliateRedirect(" ", "")
	require.Error(t, err)

	conv, err := NewAffiliateRedirect("17345", "tele")
	require.NoError(t, err)

	out, err := conv.Convert(context.Background(), product)
	require.NoError(t, err)

	u, err := url.Parse(out)
	require.NoError(t, err)
	require.Equal(t, "https", u.Scheme)
	require.Equal(t, "s.shopee.co.th", u.Host)
	require.Equal(t, "/an_redir", u.Path)
	require.Equal(t, product, u.Query().Get("origin_link"))
	require.Equal(t, "17345", u.Query().Get("affiliate_id"))
	require.Equal(t, "tele", u.Query().Get("sub_id"))

	// Submitting the tracking link back unwraps to the original product.
	canonical, err := linknorm.New(0).Normalize(out)
	require.NoError(t, err)
	require.Equal(t, product, canonical)
}

func TestAffiliateRedirectMarkets(t *testing.T) {
	t.Parallel()

	conv, err := NewAffiliateRedirect("1", "")
	require.NoError(t, err)

	tests := map[string]string{
		"https://shopee.vn/a-i.1.2":     "s.shopee.vn",
		"https://M.Shopee.SG./a-i.1.2":  "s.shopee.sg",
		"https://shp.ee/abc":            "s.shopee." + DefaultMarket,
		"https://shopee.com.my/a-i.1.2": "s.shopee.com.my",
	}
	for in, wantHost := range tests {
		out, err := conv.Convert(context.Background(), in)
		require.NoError(t, err, in)
		u, err := url.Parse(out)
		require.NoError(t, err)
		require.Equal(t, wantHost, u.Host, in)
		require.Empty(t, u.Query().Get("sub_id"))
	}

	_, err = conv.Convert(context.Background(), "not a link")
	require.Error(t, err)
}

const template = `{
  "operationName": "batchGetCustomLink",
  "variables": {
    "linkParams": [{"originalLink": "__URL__", "advancedLinkParams": {}}],
    "sourceCaller": "CUSTOM_LINK_CALLER"
  }
}`

func newGraphQL(t *testing.T, handler http.HandlerFunc, mutate func(*GraphQLConfig)) *GraphQL {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := GraphQLConfig{
		Endpoint:     srv.URL,
		BodyTemplate: template,
		Headers:      map[string]string{"x-sz-sdk-version": "1.12.21"},
		ResultPaths: []string{
			"data.batchCustomLink[0].shortLink",
			"data.batchCustomLink[0].longLink",
		},
		FailCodePath: "data.batchCustomLink[0].failCode",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	g, err := NewGraphQL(cfg, srv.Client())
	require.NoError(t, err)
	return g
}

func respond(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

func TestGraphQLSendsTemplatedBody(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	var gotHeader string
	g := newGraphQL(t, func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Sz-Sdk-Version")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		respond(http.StatusOK, `{"data":{"batchCustomLink":[{"shortLink":" https://s.shopee.co.th/abc ","failCode":0}]}}`)(w, r)
	}, nil)

	out, err := g.Convert(context.Background(), product)
	require.NoError(t, err)
	require.Equal(t, "https://s.shopee.co.th/abc", out)
	require.Equal(t, "1.12.21", gotHeader)

	params := gotBody["variables"].(map[string]any)["linkParams"].([]any)[0].(map[string]any)
	require.Equal(t, product, params["originalLink"])
	require.Equal(t, "batchGetCustomLink", gotBody["operationName"])
}

func TestGraphQLResponses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		body    string
		want    string
		wantErr string
	}{
		{
			name:   "falls through to long link",
			status: http.StatusOK,
			body:   `{"data":{"batchCustomLink":[{"shortLink":"","longLink":"https://long","failCode":0}]}}`,
			want:   "https://long",
		},
		{
			name:   "fallback batch key",
			status: http.StatusOK,
			body:   `{"data":{"batchCustomLink":[{"tracking_link":"https://track"}]}}`,
			want:   "https://track",
		},
		{
			name:   "any link-like key except original",
			status: http.StatusOK,
			body:   `{"data":{"batchCustomLink":[{"originalLink":"https://orig","affLinkV2":"https://v2"}]}}`,
			want:   "https://v2",
		},
		{
			name:    "fail code mismatch",
			status:  http.StatusOK,
			body:    `{"data":{"batchCustomLink":[{"shortLink":"https://s","failCode":3}]}}`,
			wantErr: "failCode=3",
		},
		{
			name:   "null fail code ignored",
			status: http.StatusOK,
			body:   `{"data":{"batchCustomLink":[{"shortLink":"https://s","failCode":null}]}}`,
			want:   "https://s",
		},
		{
			name:    "graphql error",
			status:  http.StatusOK,
			body:    `{"errors":[{"message":"not logged in"}]}`,
			wantErr: "not logged in",
		},
		{
			name:    "http error with message",
			status:  http.StatusForbidden,
			body:    `{"error":"blocked"}`,
			wantErr: "blocked",
		},
		{
			name:    "http error without body",
			status:  http.StatusBadGateway,
			body:    `<html></html>`,
			wantErr: "HTTP 502",
		},
		{
			name:    "no link",
			status:  http.StatusOK,
			body:    `{"data":{"other":1}}`,
			wantErr: "keys=data",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			g := newGraphQL(t, respond(tc.status, tc.body), nil)
			out, err := g.Convert(context.Background(), product)
			if tc.wantErr != "" {
				require.ErrorContains(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, out)
		})
	}
}

func TestNewGraphQLValidates(t *testing.T) {
	t.Parallel()

	base := GraphQLConfig{Endpoint: "http://x", BodyTemplate: `{"u":"__URL__"}`, ResultPaths: []string{"a"}}

	cfg := base
	cfg.Endpoint = ""
	_, err := NewGraphQL(cfg, nil)
	require.Error(t, err)

	cfg = base
	cfg.BodyTemplate = `{"u":`
	_, err = NewGraphQL(cfg, nil)
	require.ErrorContains(t, err, "parse body template")

	cfg = base
	cfg.BodyTemplate = `{"u":"x"}`
	_, err = NewGraphQL(cfg, nil)
	require.ErrorContains(t, err, URLPlaceholder)

	cfg = base
	cfg.ResultPaths = nil
	_, err = NewGraphQL(cfg, nil)
	require.Error(t, err)

	_, err = NewGraphQL(base, nil)
	require.NoError(t, err)
}

func TestSubstituteLeavesTemplateIntact(t *testing.T) {
	t.Parallel()

	var tmpl any
	require.NoError(t, json.Unmarshal([]byte(`{"a":["__URL__",{"b":"x __URL__"}],"n":1}`), &tmpl))
	first := substitute(tmpl, "https://one")
	second := substitute(tmpl, "https://two")

	require.Equal(t, map[string]any{"a": []any{"https://one", map[string]any{"b": "x https://one"}}, "n": float64(1)}, first)
	require.Equal(t, "https://two", second.(map[string]any)["a"].([]any)[0])
	require.Equal(t, "__URL__", tmpl.(map[string]any)["a"].([]any)[0])
}

func TestGjsonPath(t *testing.T) {
	t.Parallel()

	require.Equal(t, "data.batchCustomLink.0.shortLink", gjsonPath(" data.batchCustomLink[0].shortLink "))
	require.Equal(t, "a.b.10", gjsonPath("a.b[10]"))
	require.Empty(t, gjsonPath(""))
}
