package orderservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	ErrConfigInvalid    = errors.New("order service config invalid")
	ErrRequestFailed    = errors.New("order service request failed")
	ErrResponseInvalid  = errors.New("order service response invalid")
	ErrOrderRejected    = errors.New("order service rejected order")
	ErrIdentityMismatch = errors.New("order service identity namespace mismatch")
	ErrAuthCodeInvalid  = errors.New("order service auth code exchange failed")
)

// 服务端结构化错误码
const (
	codeOpenIDMismatch = "OPENID_MISMATCH"
)

// Config 外部订单服务配置
type Config struct {
	BaseURL string        // 服务地址，如 https://api.example.com
	APIKey  string        // 鉴权密钥，置于 Authorization 头
	Timeout time.Duration // 单次请求超时
}

func (c *Config) normalize() error {
	if c == nil {
		return fmt.Errorf("%w: config is nil", ErrConfigInvalid)
	}
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	c.APIKey = strings.TrimSpace(c.APIKey)
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base_url is required", ErrConfigInvalid)
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return nil
}

// Client 订单服务客户端
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient 创建订单服务客户端
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// CreateOrderInput 创建订单输入
type CreateOrderInput struct {
	PackageKey      string `json:"packageKey"`
	PackageName     string `json:"packageName"`
	Amount          string `json:"amount"`
	UserID          string `json:"userId,omitempty"` // 空为游客
	Channel         string `json:"payType"`
	Identity        string `json:"openId,omitempty"`
	ReturnURL       string `json:"returnUrl,omitempty"`
	ExistingOrderNo string `json:"existingOrderNo,omitempty"` // 渠道切换时复用订单号
}

// CreateOrderResult 创建订单结果，按渠道返回异构载荷
type CreateOrderResult struct {
	OrderNo           string
	AlreadyPaid       bool
	PayURL            string            // h5 / alipay_h5 跳转地址
	QRPayload         string            // native 扫码串（weixin://...）
	JSAPIParams       map[string]string // jsapi 桥接参数
	MiniProgramParams map[string]string // 小程序支付参数
	Raw               map[string]interface{}
}

// OrderStatus 订单状态查询结果
type OrderStatus struct {
	OrderNo  string
	Status   string // pending / paid
	Identity string // 支付时使用的 openId（服务端可选返回）
}

// CreateOrder 创建支付订单
func (c *Client) CreateOrder(ctx context.Context, input CreateOrderInput) (*CreateOrderResult, error) {
	if strings.TrimSpace(input.PackageKey) == "" || strings.TrimSpace(input.Amount) == "" {
		return nil, fmt.Errorf("%w: package and amount are required", ErrConfigInvalid)
	}
	respBytes, err := c.postJSON(ctx, "/functions/create-wechat-order", input)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}

	var resp struct {
		Success           bool              `json:"success"`
		AlreadyPaid       bool              `json:"alreadyPaid"`
		OrderNo           string            `json:"orderNo"`
		PayURL            string            `json:"payUrl"`
		H5URL             string            `json:"h5Url"`
		CodeURL           string            `json:"codeUrl"`
		JSAPIParams       map[string]string `json:"jsapiPayParams"`
		MiniProgramParams map[string]string `json:"miniProgramPayParams"`
		ErrorCode         string            `json:"errorCode"`
		Error             string            `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResponseInvalid, err)
	}
	if !resp.Success {
		if isIdentityMismatch(resp.ErrorCode, resp.Error) {
			return nil, fmt.Errorf("%w: %s", ErrIdentityMismatch, resp.Error)
		}
		return nil, fmt.Errorf("%w: %s", ErrOrderRejected, resp.Error)
	}
	if !resp.AlreadyPaid && strings.TrimSpace(resp.OrderNo) == "" {
		return nil, fmt.Errorf("%w: missing orderNo", ErrResponseInvalid)
	}

	var raw map[string]interface{}
	_ = json.Unmarshal(respBytes, &raw)

	result := &CreateOrderResult{
		OrderNo:           strings.TrimSpace(resp.OrderNo),
		AlreadyPaid:       resp.AlreadyPaid,
		PayURL:            pickFirstNonEmpty(resp.PayURL, resp.H5URL),
		QRPayload:         strings.TrimSpace(resp.CodeURL),
		JSAPIParams:       resp.JSAPIParams,
		MiniProgramParams: resp.MiniProgramParams,
		Raw:               raw,
	}
	return result, nil
}

// CheckOrderStatus 查询订单状态
func (c *Client) CheckOrderStatus(ctx context.Context, orderNo string) (*OrderStatus, error) {
	orderNo = strings.TrimSpace(orderNo)
	if orderNo == "" {
		return nil, fmt.Errorf("%w: orderNo is required", ErrConfigInvalid)
	}
	respBytes, err := c.postJSON(ctx, "/functions/check-order-status", map[string]string{
		"orderNo": orderNo,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}

	var resp struct {
		OrderNo  string `json:"orderNo"`
		Status   string `json:"status"`
		OpenID   string `json:"openId"`
		Error    string `json:"error"`
		ErrorMsg string `json:"message"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResponseInvalid, err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrResponseInvalid, resp.Error)
	}
	status := strings.ToLower(strings.TrimSpace(resp.Status))
	if status == "" {
		return nil, fmt.Errorf("%w: missing status", ErrResponseInvalid)
	}
	responseOrderNo := strings.TrimSpace(resp.OrderNo)
	if responseOrderNo == "" {
		responseOrderNo = orderNo
	}
	return &OrderStatus{
		OrderNo:  responseOrderNo,
		Status:   status,
		Identity: strings.TrimSpace(resp.OpenID),
	}, nil
}

// ExchangeAuthCode 用 OAuth 授权码换取 openId
func (c *Client) ExchangeAuthCode(ctx context.Context, code string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", fmt.Errorf("%w: code is required", ErrConfigInvalid)
	}
	respBytes, err := c.postJSON(ctx, "/functions/wechat-pay-auth", map[string]string{
		"code": code,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}

	var resp struct {
		OpenID string `json:"openId"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrResponseInvalid, err)
	}
	if resp.Error != "" || strings.TrimSpace(resp.OpenID) == "" {
		return "", fmt.Errorf("%w: %s", ErrAuthCodeInvalid, resp.Error)
	}
	return strings.TrimSpace(resp.OpenID), nil
}

// SilentAuthURL 获取静默授权跳转地址，授权完成后回到 currentURL 并携带授权码
func (c *Client) SilentAuthURL(ctx context.Context, currentURL string) (string, error) {
	currentURL = strings.TrimSpace(currentURL)
	if currentURL == "" {
		return "", fmt.Errorf("%w: redirect url is required", ErrConfigInvalid)
	}
	respBytes, err := c.postJSON(ctx, "/functions/wechat-silent-auth-url", map[string]string{
		"redirect": currentURL,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}

	var resp struct {
		AuthURL string `json:"authUrl"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrResponseInvalid, err)
	}
	if strings.TrimSpace(resp.AuthURL) == "" {
		return "", fmt.Errorf("%w: missing authUrl", ErrResponseInvalid)
	}
	return strings.TrimSpace(resp.AuthURL), nil
}

// LookupStoredIdentity 按用户 ID 查询浏览器命名空间的 openId 映射。
// 小程序 openId 不走该映射，两个命名空间不可互用。
func (c *Client) LookupStoredIdentity(ctx context.Context, userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", nil
	}
	respBytes, err := c.postJSON(ctx, "/functions/lookup-wechat-identity", map[string]string{
		"userId": userID,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}

	var resp struct {
		OpenID string `json:"openid"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrResponseInvalid, err)
	}
	return strings.TrimSpace(resp.OpenID), nil
}

// isIdentityMismatch 识别可恢复的 openId 命名空间错配。
// 服务端老版本没有结构化错误码，保留文案匹配兜底。
func isIdentityMismatch(errorCode, message string) bool {
	if strings.EqualFold(strings.TrimSpace(errorCode), codeOpenIDMismatch) {
		return true
	}
	lower := strings.ToLower(message)
	return strings.Contains(lower, "openid") && strings.Contains(lower, "mismatch")
}

func pickFirstNonEmpty(values ...string) string {
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func (c *Client) postJSON(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	endpoint := c.cfg.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http status %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}
