package apiclient

import (
	"context"
	"net/url"

	"yilaitu-client/internal/model"
)

// WechatQRCode 微信扫码登录二维码
type WechatQRCode struct {
	QRCodeURL     string `json:"qr_code_url"`
	SceneID       string `json:"scene_id"`
	ExpireSeconds int    `json:"expire_seconds"`
}

// WechatCheckResult 扫码状态，scanned 为 true 时携带登录态
type WechatCheckResult struct {
	Scanned      bool        `json:"scanned"`
	AccessToken  string      `json:"access_token,omitempty"`
	RefreshToken string      `json:"refresh_token,omitempty"`
	User         *model.User `json:"user,omitempty"`
}

// LoginPhone 手机验证码登录
func (c *Client) LoginPhone(ctx context.Context, phone, code string) (*model.Session, error) {
	if phone == "" {
		return nil, NewValidationError("phone", "")
	}
	if code == "" {
		return nil, NewValidationError("code", "")
	}
	var sess model.Session
	err := c.postJSON(ctx, "/auth/login/phone", map[string]string{"phone": phone, "code": code}, &sess)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// GetWechatQRCode 获取扫码登录二维码
func (c *Client) GetWechatQRCode(ctx context.Context) (*WechatQRCode, error) {
	var out WechatQRCode
	if err := c.getJSON(ctx, "/auth/login/wechat/qrcode", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CheckWechatLogin 查询扫码状态
func (c *Client) CheckWechatLogin(ctx context.Context, sceneID string) (*WechatCheckResult, error) {
	if sceneID == "" {
		return nil, NewValidationError("scene_id", "")
	}
	var out WechatCheckResult
	if err := c.getJSON(ctx, "/auth/login/wechat/check", url.Values{"scene_id": {sceneID}}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetUserInfo 拉取最新的账户信息（积分、会员等级）
func (c *Client) GetUserInfo(ctx context.Context) (*model.User, error) {
	var out model.User
	if err := c.getJSON(ctx, "/user/info", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
