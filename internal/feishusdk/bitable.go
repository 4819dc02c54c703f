package feishusdk

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkbitable "github.com/larksuite/oapi-sdk-go/v3/service/bitable/v1"
	"github.com/pkg/errors"
)

var hostAllowList = []string{"feishu.cn", "feishuapp.com", "larksuite.com", "larkoffice.com"}

// BitableRef captures identifiers parsed from a Feishu Bitable link.
type BitableRef struct {
	RawURL    string
	AppToken  string
	TableID   string
	ViewID    string
	WikiToken string
}

func isAllowedFeishuHost(host string) bool {
	if host == "" {
		return false
	}
	lower := strings.ToLower(host)
	for _, allowed := range hostAllowList {
		if strings.HasSuffix(lower, allowed) {
			return true
		}
	}
	return false
}

// ParseBitableURL extracts app token (or wiki token), table id and view id
// from a Feishu Bitable link.
func ParseBitableURL(raw string) (ref BitableRef, err error) {
	defer func() {
		if err != nil {
			err = errors.Wrap(err, "parse bitable url failed")
		}
	}()

	ref = BitableRef{RawURL: strings.TrimSpace(raw)}
	if ref.RawURL == "" {
		return ref, errors.New("empty url")
	}
	u, err := url.Parse(ref.RawURL)
	if err != nil {
		return ref, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return ref, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if !isAllowedFeishuHost(u.Host) {
		return ref, fmt.Errorf("host %q is not recognized as Feishu", u.Host)
	}

	segments := strings.FieldsFunc(strings.Trim(u.Path, "/"), func(r rune) bool { return r == '/' })
	if len(segments) < 2 {
		return ref, errors.New("missing path segments in url")
	}
	switch segments[len(segments)-2] {
	case "base":
		ref.AppToken = segments[len(segments)-1]
	case "wiki":
		ref.WikiToken = segments[len(segments)-1]
	default:
		return ref, fmt.Errorf("unsupported bitable path %q", u.Path)
	}

	q := u.Query()
	for _, key := range []string{"table", "tableId", "table_id"} {
		if v := strings.TrimSpace(q.Get(key)); v != "" {
			ref.TableID = v
			break
		}
	}
	if ref.TableID == "" {
		return ref, errors.New("missing table id in url query")
	}
	for _, key := range []string{"view", "viewId", "view_id"} {
		if v := strings.TrimSpace(q.Get(key)); v != "" {
			ref.ViewID = v
			break
		}
	}
	return ref, nil
}

// ensureAppToken resolves wiki-hosted bitables to their app token.
func (c *Client) ensureAppToken(ctx context.Context, ref *BitableRef) error {
	if strings.TrimSpace(ref.AppToken) != "" {
		return nil
	}
	wikiToken := strings.TrimSpace(ref.WikiToken)
	if wikiToken == "" {
		return errors.New("feishu: bitable app token not found in url")
	}
	c.appTokenMu.RLock()
	cached, ok := c.appTokenCache[wikiToken]
	c.appTokenMu.RUnlock()
	if ok {
		ref.AppToken = cached
		return nil
	}

	val, err, _ := c.appTokenGroup.Do(wikiToken, func() (any, error) {
		opts, err := c.requestOptions(ctx)
		if err != nil {
			return "", err
		}
		resp, err := c.wiki.GetNode(ctx, wikiToken, opts...)
		if err != nil {
			return "", fmt.Errorf("feishu: wiki get_node request failed: %w", err)
		}
		if resp == nil || resp.ApiResp == nil {
			return "", errors.New("feishu: empty response when getting wiki node")
		}
		if err := ensureSDKSuccess("wiki get_node", resp.Success(), resp.Code, resp.Msg, resp.RequestId()); err != nil {
			return "", err
		}
		if resp.Data == nil || resp.Data.Node == nil {
			return "", errors.New("feishu: wiki node response missing node")
		}
		if objType := larkcore.StringValue(resp.Data.Node.ObjType); objType != "bitable" {
			return "", fmt.Errorf("feishu: wiki node type %q is not bitable", objType)
		}
		return larkcore.StringValue(resp.Data.Node.ObjToken), nil
	})
	if err != nil {
		return errors.Wrap(err, "ensure bitable app token failed")
	}
	appToken, _ := val.(string)
	if strings.TrimSpace(appToken) == "" {
		return errors.New("feishu: wiki node response missing obj_token")
	}
	c.appTokenMu.Lock()
	if c.appTokenCache == nil {
		c.appTokenCache = make(map[string]string)
	}
	c.appTokenCache[wikiToken] = appToken
	c.appTokenMu.Unlock()
	ref.AppToken = appToken
	return nil
}

// CreateBitableRecord creates one record and returns its record id.
func (c *Client) CreateBitableRecord(ctx context.Context, rawURL string, fields map[string]any) (recordID string, err error) {
	defer func() {
		if err != nil {
			err = errors.Wrap(err, "create bitable record failed")
		}
	}()
	if c == nil {
		return "", errors.New("feishu: client is nil")
	}
	if len(fields) == 0 {
		return "", errors.New("feishu: no fields provided for creation")
	}
	ref, err := ParseBitableURL(rawURL)
	if err != nil {
		return "", err
	}
	if err := c.ensureAppToken(ctx, &ref); err != nil {
		return "", err
	}
	opts, err := c.requestOptions(ctx)
	if err != nil {
		return "", err
	}
	record := larkbitable.NewAppTableRecordBuilder().
		Fields(fields).
		Build()
	resp, err := c.records.Create(ctx, ref.AppToken, ref.TableID, record, opts...)
	if err != nil {
		return "", fmt.Errorf("feishu: create record request failed: %w", err)
	}
	if resp == nil || resp.ApiResp == nil {
		return "", errors.New("feishu: empty response when creating record")
	}
	if err := ensureSDKSuccess("create record", resp.Success(), resp.Code, resp.Msg, resp.RequestId()); err != nil {
		return "", err
	}
	if resp.Data == nil || resp.Data.Record == nil {
		return "", errors.New("feishu: create record response missing record")
	}
	id := strings.TrimSpace(larkcore.StringValue(resp.Data.Record.RecordId))
	if id == "" {
		return "", errors.New("feishu: create record response missing record id")
	}
	return id, nil
}

// UpdateBitableRecord overwrites the given fields of one record.
func (c *Client) UpdateBitableRecord(ctx context.Context, rawURL, recordID string, fields map[string]any) error {
	if c == nil {
		return errors.New("feishu: client is nil")
	}
	if strings.TrimSpace(recordID) == "" {
		return errors.New("feishu: record id is empty")
	}
	if len(fields) == 0 {
		return errors.New("feishu: no fields provided for update")
	}
	ref, err := ParseBitableURL(rawURL)
	if err != nil {
		return err
	}
	if err := c.ensureAppToken(ctx, &ref); err != nil {
		return err
	}
	opts, err := c.requestOptions(ctx)
	if err != nil {
		return err
	}
	record := larkbitable.NewAppTableRecordBuilder().
		Fields(fields).
		Build()
	resp, err := c.records.Update(ctx, ref.AppToken, ref.TableID, recordID, record, opts...)
	if err != nil {
		return fmt.Errorf("feishu: update record request failed: %w", err)
	}
	if resp == nil || resp.ApiResp == nil {
		return errors.New("feishu: empty response when updating record")
	}
	return ensureSDKSuccess("update record", resp.Success(), resp.Code, resp.Msg, resp.RequestId())
}
