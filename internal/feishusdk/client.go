// Package feishusdk is a thin wrapper over the Feishu open platform SDK used
// to mirror flash history into bitables.
package feishusdk

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/httprunner/FlashAgent/internal/env"
	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkauth "github.com/larksuite/oapi-sdk-go/v3/service/auth/v3"
	larkbitable "github.com/larksuite/oapi-sdk-go/v3/service/bitable/v1"
	larkwiki "github.com/larksuite/oapi-sdk-go/v3/service/wiki/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

const (
	defaultBaseURL      = "https://open.feishu.cn"
	tokenExpiryFallback = 60 * time.Minute
)

// Environment keys.
const (
	EnvAppID     = "FEISHU_APP_ID"
	EnvAppSecret = "FEISHU_APP_SECRET"
	EnvTenantKey = "FEISHU_TENANT_KEY"
	EnvBaseURL   = "FEISHU_BASE_URL"
)

type recordAPI interface {
	Create(ctx context.Context, appToken, tableID string, record *larkbitable.AppTableRecord, options ...larkcore.RequestOptionFunc) (*larkbitable.CreateAppTableRecordResp, error)
	Update(ctx context.Context, appToken, tableID, recordID string, record *larkbitable.AppTableRecord, options ...larkcore.RequestOptionFunc) (*larkbitable.UpdateAppTableRecordResp, error)
}

type larkRecordService interface {
	Create(ctx context.Context, req *larkbitable.CreateAppTableRecordReq, options ...larkcore.RequestOptionFunc) (*larkbitable.CreateAppTableRecordResp, error)
	Update(ctx context.Context, req *larkbitable.UpdateAppTableRecordReq, options ...larkcore.RequestOptionFunc) (*larkbitable.UpdateAppTableRecordResp, error)
}

type sdkRecordAPI struct {
	svc larkRecordService
}

func (a sdkRecordAPI) Create(ctx context.Context, appToken, tableID string, record *larkbitable.AppTableRecord, options ...larkcore.RequestOptionFunc) (*larkbitable.CreateAppTableRecordResp, error) {
	req := larkbitable.NewCreateAppTableRecordReqBuilder().
		AppToken(appToken).
		TableId(tableID).
		AppTableRecord(record).
		Build()
	return a.svc.Create(ctx, req, options...)
}

func (a sdkRecordAPI) Update(ctx context.Context, appToken, tableID, recordID string, record *larkbitable.AppTableRecord, options ...larkcore.RequestOptionFunc) (*larkbitable.UpdateAppTableRecordResp, error) {
	req := larkbitable.NewUpdateAppTableRecordReqBuilder().
		AppToken(appToken).
		TableId(tableID).
		RecordId(recordID).
		AppTableRecord(record).
		Build()
	return a.svc.Update(ctx, req, options...)
}

type wikiAPI interface {
	GetNode(ctx context.Context, token string, options ...larkcore.RequestOptionFunc) (*larkwiki.GetNodeSpaceResp, error)
}

type larkWikiService interface {
	GetNode(ctx context.Context, req *larkwiki.GetNodeSpaceReq, options ...larkcore.RequestOptionFunc) (*larkwiki.GetNodeSpaceResp, error)
}

type sdkWikiAPI struct {
	svc larkWikiService
}

func (w sdkWikiAPI) GetNode(ctx context.Context, token string, options ...larkcore.RequestOptionFunc) (*larkwiki.GetNodeSpaceResp, error) {
	req := larkwiki.NewGetNodeSpaceReqBuilder().
		Token(token).
		Build()
	return w.svc.GetNode(ctx, req, options...)
}

// Client holds credentials and the cached tenant token.
type Client struct {
	appID     string
	appSecret string
	tenantKey string

	larkClient *lark.Client
	records    recordAPI
	wiki       wikiAPI

	// tokenFunc overrides tenant token retrieval in tests.
	tokenFunc func(ctx context.Context) (string, error)

	tokenMu       sync.Mutex
	tenantToken   string
	tokenExpireAt time.Time

	appTokenMu    sync.RWMutex
	appTokenCache map[string]string
	appTokenGroup singleflight.Group
}

// NewClient builds a client for the given app credentials.
func NewClient(appID, appSecret, tenantKey, baseURL string) (*Client, error) {
	appID = strings.TrimSpace(appID)
	appSecret = strings.TrimSpace(appSecret)
	if appID == "" || appSecret == "" {
		return nil, errors.New("feishu: FEISHU_APP_ID and FEISHU_APP_SECRET must be set")
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	opts := []lark.ClientOptionFunc{
		lark.WithLogLevel(larkcore.LogLevelError),
	}
	if baseURL != lark.FeishuBaseUrl {
		opts = append(opts, lark.WithOpenBaseUrl(baseURL))
	}
	client := lark.NewClient(appID, appSecret, opts...)
	return &Client{
		appID:      appID,
		appSecret:  appSecret,
		tenantKey:  strings.TrimSpace(tenantKey),
		larkClient: client,
		records:    sdkRecordAPI{svc: client.Bitable.V1.AppTableRecord},
		wiki:       sdkWikiAPI{svc: client.Wiki.V2.Space},
	}, nil
}

// NewClientFromEnv reads FEISHU_APP_ID, FEISHU_APP_SECRET and the optional
// FEISHU_TENANT_KEY / FEISHU_BASE_URL.
func NewClientFromEnv() (*Client, error) {
	return NewClient(
		env.String(EnvAppID, ""),
		env.String(EnvAppSecret, ""),
		env.String(EnvTenantKey, ""),
		env.String(EnvBaseURL, ""),
	)
}

// getTenantAccessToken retrieves (and caches) a tenant_access_token.
func (c *Client) getTenantAccessToken(ctx context.Context) (string, error) {
	if c.tokenFunc != nil {
		return c.tokenFunc(ctx)
	}
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.tenantToken != "" && time.Now().Before(c.tokenExpireAt.Add(-30*time.Second)) {
		return c.tenantToken, nil
	}

	body := larkauth.NewInternalTenantAccessTokenReqBodyBuilder().
		AppId(c.appID).
		AppSecret(c.appSecret).
		Build()
	req := larkauth.NewInternalTenantAccessTokenReqBuilder().
		Body(body).
		Build()

	resp, err := c.larkClient.Auth.V3.TenantAccessToken.Internal(ctx, req)
	if err != nil {
		return "", fmt.Errorf("feishu: request tenant access token failed: %w", err)
	}
	if resp == nil || resp.ApiResp == nil {
		return "", errors.New("feishu: empty response when fetching tenant access token")
	}

	var parsed struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int    `json:"expire"`
	}
	if err := json.Unmarshal(resp.ApiResp.RawBody, &parsed); err != nil {
		return "", fmt.Errorf("feishu: decode tenant access token response: %w", err)
	}
	if parsed.Code != 0 {
		return "", fmt.Errorf("feishu: tenant access token error code=%d msg=%s", parsed.Code, parsed.Msg)
	}
	if parsed.TenantAccessToken == "" {
		return "", errors.New("feishu: tenant access token missing in response")
	}

	ttl := time.Duration(parsed.Expire) * time.Second
	if ttl <= 0 {
		ttl = tokenExpiryFallback
	}
	c.tenantToken = parsed.TenantAccessToken
	c.tokenExpireAt = time.Now().Add(ttl)
	return c.tenantToken, nil
}

func (c *Client) requestOptions(ctx context.Context) ([]larkcore.RequestOptionFunc, error) {
	token, err := c.getTenantAccessToken(ctx)
	if err != nil {
		return nil, err
	}
	opts := []larkcore.RequestOptionFunc{larkcore.WithTenantAccessToken(token)}
	if c.tenantKey != "" {
		opts = append(opts, larkcore.WithTenantKey(c.tenantKey))
	}
	return opts, nil
}

func ensureSDKSuccess(action string, ok bool, code int, msg, logID string) error {
	if ok {
		return nil
	}
	if strings.TrimSpace(logID) == "" {
		return fmt.Errorf("feishu: %s failed code=%d msg=%s", action, code, msg)
	}
	return fmt.Errorf("feishu: %s failed code=%d msg=%s log_id=%s", action, code, msg, logID)
}
