package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"kenfuse-payment-svc/apperr"
	"kenfuse-payment-svc/circuitbreaker"
	"kenfuse-payment-svc/config"
	"kenfuse-payment-svc/middleware"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

const (
	gatewayName     = "mpesa"
	tokenCacheKey   = "mpesa"
	transactionType = "CustomerPayBillOnline"
	timestampLayout = "20060102150405"

	defaultTokenLifetime = 3599 * time.Second
	tokenExpirySkew      = 60 * time.Second

	// returned by the push endpoint when the bearer token is not accepted
	invalidTokenCode = "404.001.03"
)

// Daraja stamps requests in East Africa Time, which has no DST.
var nairobi = time.FixedZone("EAT", 3*60*60)

type PushRequest struct {
	Phone       string
	Amount      int64
	Reference   string
	Description string
}

type PushResult struct {
	MerchantRequestID string
	CheckoutRequestID string
	CustomerMessage   string
	Raw               json.RawMessage
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
	ErrorCode           string `json:"errorCode"`
	ErrorMessage        string `json:"errorMessage"`
}

type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   json.Number `json:"expires_in"`
}

type Client struct {
	cfg        config.MpesaConfig
	httpClient *http.Client
	tokens     TokenCache
	breaker    *circuitbreaker.CircuitBreaker
	logger     *zap.Logger
	now        func() time.Time
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithTokenCache(tc TokenCache) Option {
	return func(c *Client) { c.tokens = tc }
}

func WithCircuitBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func NewClient(cfg config.MpesaConfig, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		tokens:     NewMemoryTokenCache(),
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = circuitbreaker.NewCircuitBreaker(gatewayName, 5, 30*time.Second,
			circuitbreaker.WithFailurePredicate(apperr.IsRetryable),
			circuitbreaker.WithStateChangeHook(func(name string, from, to circuitbreaker.State) {
				logger.Warn("Circuit breaker state changed",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
				middleware.RecordCircuitState(name, int(to))
			}),
		)
	}
	return c
}

// Authenticate exchanges the consumer key and secret for an access token.
func (c *Client) Authenticate(ctx context.Context) (*Token, error) {
	ctx, span := otel.Tracer("mpesa-client").Start(ctx, "Authenticate")
	defer span.End()

	var tok *Token
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		tok, err = c.authenticate(ctx)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "authentication failed")
		return nil, c.breakerError("authenticate", err)
	}
	return tok, nil
}

func (c *Client) authenticate(ctx context.Context) (*Token, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return nil, &apperr.AuthError{Gateway: gatewayName, Err: err}
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		middleware.RecordGatewayRequest(gatewayName, "authenticate", "error", time.Since(start))
		return nil, &apperr.GatewayError{Gateway: gatewayName, Operation: "authenticate", Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		middleware.RecordGatewayRequest(gatewayName, "authenticate", "error", time.Since(start))
		return nil, &apperr.GatewayError{Gateway: gatewayName, Operation: "authenticate", Retryable: true, Err: err}
	}

	if resp.StatusCode >= 500 {
		middleware.RecordGatewayRequest(gatewayName, "authenticate", "unavailable", time.Since(start))
		return nil, &apperr.GatewayError{Gateway: gatewayName, Operation: "authenticate", StatusCode: resp.StatusCode, Raw: body, Retryable: true}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		middleware.RecordGatewayRequest(gatewayName, "authenticate", "rejected", time.Since(start))
		c.logger.Error("M-Pesa token request rejected",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", body),
		)
		return nil, &apperr.AuthError{Gateway: gatewayName, StatusCode: resp.StatusCode, Body: string(body)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil || tr.AccessToken == "" {
		middleware.RecordGatewayRequest(gatewayName, "authenticate", "rejected", time.Since(start))
		return nil, &apperr.AuthError{Gateway: gatewayName, StatusCode: resp.StatusCode, Body: string(body), Err: errors.New("response has no access_token")}
	}
	middleware.RecordGatewayRequest(gatewayName, "authenticate", "ok", time.Since(start))

	lifetime := defaultTokenLifetime
	if secs, err := strconv.Atoi(tr.ExpiresIn.String()); err == nil && secs > 0 {
		lifetime = time.Duration(secs) * time.Second
	}
	return &Token{AccessToken: tr.AccessToken, ExpiresAt: c.now().Add(lifetime)}, nil
}

// accessToken returns a cached token or fetches and caches a new one.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	cached, err := c.tokens.Get(ctx, tokenCacheKey)
	if err != nil {
		c.logger.Warn("Token cache read failed, authenticating", zap.Error(err))
	}
	if cached != "" {
		return cached, nil
	}

	tok, err := c.Authenticate(ctx)
	if err != nil {
		return "", err
	}
	ttl := tok.ExpiresAt.Sub(c.now()) - tokenExpirySkew
	if err := c.tokens.Set(ctx, tokenCacheKey, tok.AccessToken, ttl); err != nil {
		c.logger.Warn("Token cache write failed", zap.Error(err))
	}
	return tok.AccessToken, nil
}

// Timestamp returns the request timestamp for t in the gateway's timezone.
func Timestamp(t time.Time) string {
	return t.In(nairobi).Format(timestampLayout)
}

// Password is the STK push credential: base64(shortcode + passkey + timestamp).
func Password(shortCode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passkey + timestamp))
}

// PushPayment sends an STK push prompt to the subscriber's handset. A token
// the gateway refuses is discarded and the push is retried once with a
// fresh one.
func (c *Client) PushPayment(ctx context.Context, in PushRequest) (*PushResult, error) {
	ctx, span := otel.Tracer("mpesa-client").Start(ctx, "PushPayment")
	defer span.End()

	phone := NormalizePhone(in.Phone)
	if err := ValidatePhone(phone); err != nil {
		return nil, err
	}
	if in.Amount <= 0 {
		return nil, apperr.Validation("amount", "must be a positive whole number")
	}
	span.SetAttributes(
		attribute.Int64("payment.amount", in.Amount),
		attribute.String("payment.reference", in.Reference),
	)

	result, err := c.push(ctx, phone, in)
	if errors.Is(err, errTokenRejected) {
		c.logger.Info("M-Pesa rejected access token, re-authenticating")
		if delErr := c.tokens.Delete(ctx, tokenCacheKey); delErr != nil {
			c.logger.Warn("Token cache delete failed", zap.Error(delErr))
		}
		result, err = c.push(ctx, phone, in)
		var rejected *tokenRejectedError
		if errors.As(err, &rejected) {
			err = rejected.gatewayErr
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "push failed")
		return nil, err
	}

	span.SetAttributes(attribute.String("mpesa.checkout_request_id", result.CheckoutRequestID))
	return result, nil
}

var errTokenRejected = errors.New("access token rejected")

type tokenRejectedError struct {
	gatewayErr *apperr.GatewayError
}

func (e *tokenRejectedError) Error() string { return e.gatewayErr.Error() }
func (e *tokenRejectedError) Is(target error) bool {
	return target == errTokenRejected
}

func (c *Client) push(ctx context.Context, phone string, in PushRequest) (*PushResult, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	ts := Timestamp(c.now())
	payload := stkPushRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          Password(c.cfg.ShortCode, c.cfg.Passkey, ts),
		Timestamp:         ts,
		TransactionType:   transactionType,
		Amount:            in.Amount,
		PartyA:            phone,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       phone,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  in.Reference,
		TransactionDesc:   in.Description,
	}

	var result *PushResult
	err = c.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = c.doPush(ctx, token, payload)
		return err
	})
	if err != nil {
		return nil, c.breakerError("push", err)
	}
	return result, nil
}

func (c *Client) doPush(ctx context.Context, token string, payload stkPushRequest) (*PushResult, error) {
	start := time.Now()
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/mpesa/stkpush/v1/processrequest", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to build push request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		middleware.RecordGatewayRequest(gatewayName, "push", "error", time.Since(start))
		return nil, &apperr.GatewayError{Gateway: gatewayName, Operation: "push", Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		middleware.RecordGatewayRequest(gatewayName, "push", "error", time.Since(start))
		return nil, &apperr.GatewayError{Gateway: gatewayName, Operation: "push", Retryable: true, Err: err}
	}

	var sr stkPushResponse
	decodeErr := json.Unmarshal(body, &sr)

	gwErr := &apperr.GatewayError{Gateway: gatewayName, Operation: "push", StatusCode: resp.StatusCode, Raw: body}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || sr.ErrorCode == invalidTokenCode:
		middleware.RecordGatewayRequest(gatewayName, "push", "unauthorized", time.Since(start))
		return nil, &tokenRejectedError{gatewayErr: gwErr}
	case resp.StatusCode >= 500:
		middleware.RecordGatewayRequest(gatewayName, "push", "unavailable", time.Since(start))
		gwErr.Retryable = true
		return nil, gwErr
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		middleware.RecordGatewayRequest(gatewayName, "push", "rejected", time.Since(start))
		return nil, gwErr
	case decodeErr != nil:
		middleware.RecordGatewayRequest(gatewayName, "push", "rejected", time.Since(start))
		gwErr.Err = fmt.Errorf("failed to decode push response: %w", decodeErr)
		return nil, gwErr
	case sr.ResponseCode != "0" || sr.CheckoutRequestID == "":
		middleware.RecordGatewayRequest(gatewayName, "push", "rejected", time.Since(start))
		c.logger.Warn("M-Pesa push not accepted",
			zap.String("response_code", sr.ResponseCode),
			zap.String("description", sr.ResponseDescription),
		)
		return nil, gwErr
	}

	middleware.RecordGatewayRequest(gatewayName, "push", "accepted", time.Since(start))
	return &PushResult{
		MerchantRequestID: sr.MerchantRequestID,
		CheckoutRequestID: sr.CheckoutRequestID,
		CustomerMessage:   sr.CustomerMessage,
		Raw:               body,
	}, nil
}

func (c *Client) breakerError(op string, err error) error {
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return &apperr.GatewayError{Gateway: gatewayName, Operation: op, Retryable: true, Err: err}
	}
	return err
}
