package apiclient

import (
	"context"
	"net/url"
	"strconv"

	"yilaitu-client/internal/model"
)

// PaymentOrderRequest 创建支付订单
type PaymentOrderRequest struct {
	ProductType   string `json:"product_type"`
	ProductID     int64  `json:"product_id"`
	PaymentMethod string `json:"payment_method"`
	IsUpgrade     bool   `json:"is_upgrade"`
}

// OrderPage 订单历史
type OrderPage struct {
	Items []model.PaymentOrder `json:"items"`
	Total int64                `json:"total"`
}

// CreatePaymentOrder 创建订单，返回订单号与支付二维码
func (c *Client) CreatePaymentOrder(ctx context.Context, req PaymentOrderRequest) (*model.PaymentOrder, error) {
	if req.ProductType == "" {
		return nil, NewValidationError("product_type", "")
	}
	if req.PaymentMethod == "" {
		return nil, NewValidationError("payment_method", "")
	}
	var out model.PaymentOrder
	if err := c.postJSON(ctx, "/user-purchase/payment-order", req, &out); err != nil {
		return nil, err
	}
	if out.Status == "" {
		out.Status = model.OrderPending
	}
	out.ProductType = req.ProductType
	out.ProductID = req.ProductID
	out.PaymentMethod = req.PaymentMethod
	return &out, nil
}

// GetOrderStatus 查询订单状态
func (c *Client) GetOrderStatus(ctx context.Context, orderNo string) (model.OrderStatus, error) {
	var out struct {
		Status model.OrderStatus `json:"status"`
	}
	if err := c.getJSON(ctx, "/user-purchase/order-status/"+url.PathEscape(orderNo), nil, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

// ListPackages 可购买的套餐
func (c *Client) ListPackages(ctx context.Context) ([]model.Package, error) {
	var out []model.Package
	if err := c.getJSON(ctx, "/user-purchase/packages", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListOrders 订单历史
func (c *Client) ListOrders(ctx context.Context, page, pageSize int) (*OrderPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(max(page, 1)))
	q.Set("page_size", strconv.Itoa(max(pageSize, 1)))
	var out OrderPage
	if err := c.getJSON(ctx, "/user-purchase/orders", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
