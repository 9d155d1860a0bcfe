package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"bracket-enginev1/internal/model"

	"github.com/pquerna/otp/totp"
)

const (
	angelRoot    = "https://apiconnect.angelone.in"
	angelTimeout = 7 * time.Second
)

var angelRoutes = map[string]string{
	"login":        "/rest/auth/angelbroking/user/v1/loginByPassword",
	"order.place":  "/rest/secure/angelbroking/order/v1/placeOrder",
	"order.modify": "/rest/secure/angelbroking/order/v1/modifyOrder",
	"order.cancel": "/rest/secure/angelbroking/order/v1/cancelOrder",
}

// AngelConfig holds Angel One SmartAPI credentials. TOTPSecret is the
// base32 seed registered with the broker; the client derives the rolling
// code at login time.
type AngelConfig struct {
	APIKey     string
	ClientCode string
	Password   string
	TOTPSecret string
	RootURL    string // override for tests
}

// AngelClient is a minimal SmartAPI order client: login plus the three
// order calls the bracket dispatcher needs.
type AngelClient struct {
	cfg         AngelConfig
	httpClient  *http.Client
	accessToken string
}

// NewAngelClient creates the client and performs the TOTP login.
func NewAngelClient(ctx context.Context, cfg AngelConfig) (*AngelClient, error) {
	if cfg.RootURL == "" {
		cfg.RootURL = angelRoot
	}
	c := &AngelClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: angelTimeout},
	}
	if err := c.login(ctx); err != nil {
		return nil, fmt.Errorf("angel login: %w", err)
	}
	return c, nil
}

func (c *AngelClient) login(ctx context.Context) error {
	code, err := totp.GenerateCode(c.cfg.TOTPSecret, time.Now())
	if err != nil {
		return fmt.Errorf("generate totp: %w", err)
	}

	var resp struct {
		Status bool   `json:"status"`
		Msg    string `json:"message"`
		Data   struct {
			JWTToken string `json:"jwtToken"`
		} `json:"data"`
	}
	err = c.post(ctx, "login", map[string]string{
		"clientcode": c.cfg.ClientCode,
		"password":   c.cfg.Password,
		"totp":       code,
	}, &resp)
	if err != nil {
		return err
	}
	if !resp.Status {
		return fmt.Errorf("login rejected: %s", resp.Msg)
	}
	c.accessToken = resp.Data.JWTToken
	log.Printf("[broker] angel session established for %s", c.cfg.ClientCode)
	return nil
}

// PlaceOrder submits an order and returns the broker order id.
func (c *AngelClient) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	variety := "NORMAL"
	orderType := string(req.OrderType)
	if req.TriggerPrice > 0 {
		variety = "STOPLOSS"
		orderType = "STOPLOSS_MARKET"
		if req.OrderType == model.OrderTypeLimit {
			orderType = "STOPLOSS_LIMIT"
		}
	}

	var resp struct {
		Status bool   `json:"status"`
		Msg    string `json:"message"`
		Data   struct {
			OrderID string `json:"orderid"`
		} `json:"data"`
	}
	err := c.post(ctx, "order.place", map[string]any{
		"variety":         variety,
		"tradingsymbol":   req.Symbol,
		"transactiontype": string(req.TransactionType),
		"exchange":        "NFO",
		"ordertype":       orderType,
		"producttype":     "CARRYFORWARD",
		"duration":        "DAY",
		"quantity":        strconv.FormatInt(req.Qty, 10),
		"price":           paiseToRupees(req.Price),
		"triggerprice":    paiseToRupees(req.TriggerPrice),
		"ordertag":        req.Tag,
	}, &resp)
	if err != nil {
		return "", err
	}
	if !resp.Status {
		return "", fmt.Errorf("order rejected: %s", resp.Msg)
	}
	return resp.Data.OrderID, nil
}

// ModifyOrder updates the price and trigger on an open order.
func (c *AngelClient) ModifyOrder(ctx context.Context, brokerOrderID string, price, triggerPrice int64) error {
	var resp struct {
		Status bool   `json:"status"`
		Msg    string `json:"message"`
	}
	err := c.post(ctx, "order.modify", map[string]any{
		"variety":      "STOPLOSS",
		"orderid":      brokerOrderID,
		"price":        paiseToRupees(price),
		"triggerprice": paiseToRupees(triggerPrice),
		"duration":     "DAY",
	}, &resp)
	if err != nil {
		return err
	}
	if !resp.Status {
		return fmt.Errorf("modify rejected: %s", resp.Msg)
	}
	return nil
}

// CancelOrder cancels an open order.
func (c *AngelClient) CancelOrder(ctx context.Context, brokerOrderID string) error {
	var resp struct {
		Status bool   `json:"status"`
		Msg    string `json:"message"`
	}
	err := c.post(ctx, "order.cancel", map[string]any{
		"variety": "NORMAL",
		"orderid": brokerOrderID,
	}, &resp)
	if err != nil {
		return err
	}
	if !resp.Status {
		return fmt.Errorf("cancel rejected: %s", resp.Msg)
	}
	return nil
}

func (c *AngelClient) post(ctx context.Context, route string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RootURL+angelRoutes[route], bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-UserType", "USER")
	req.Header.Set("X-SourceID", "WEB")
	req.Header.Set("X-PrivateKey", c.cfg.APIKey)
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: http %d: %s", route, resp.StatusCode, data)
	}
	return json.Unmarshal(data, out)
}

// paiseToRupees renders a paise amount as the decimal rupee string the
// SmartAPI expects.
func paiseToRupees(paise int64) string {
	return strconv.FormatFloat(float64(paise)/100.0, 'f', 2, 64)
}
