package caseapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/blingmoon/case-workflow/workflow"
)

// ErrUnauthorized token错误, 不可重试
var ErrUnauthorized = errors.New("unauthorized")

// Client 通过REST访问远端仓库, 实现 workflow.CaseRepository
// 没有拿到响应的请求和502/503/504返回 workflow.ErrRepositoryUnreachable, 交给 RetryingFetcher 重试;
// 其他错误响应按错误码还原成分类错误, 不重试
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

var _ workflow.CaseRepository = (*Client)(nil)

type ClientOption func(*Client)

func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient 超时由调用方的ctx控制(RetryingFetcher每次请求30s)
func NewClient(baseURL string, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) ListByState(ctx context.Context, param *workflow.ListByStateParams) (*workflow.CasePage, error) {
	if param == nil {
		return nil, errors.WithMessage(workflow.ErrValidationFailed, "nil ListByStateParams")
	}
	query := url.Values{}
	query.Set("state", param.State)
	query.Set("limit", strconv.Itoa(param.Limit))
	query.Set("offset", strconv.Itoa(param.Offset))
	return doRequest[*workflow.CasePage](ctx, c, http.MethodGet, "/api/v1/cases", query, nil)
}

func (c *Client) GetStatistics(ctx context.Context) (map[workflow.CaseState]int64, error) {
	return doRequest[map[workflow.CaseState]int64](ctx, c, http.MethodGet, "/api/v1/statistics", nil, nil)
}

func (c *Client) GetCase(ctx context.Context, caseNumber string) (*workflow.Case, error) {
	return doRequest[*workflow.Case](ctx, c, http.MethodGet, "/api/v1/cases/"+url.PathEscape(caseNumber), nil, nil)
}

func (c *Client) GetTimeline(ctx context.Context, caseNumber string) ([]*workflow.StateTransitionRecord, error) {
	return doRequest[[]*workflow.StateTransitionRecord](ctx, c, http.MethodGet, "/api/v1/cases/"+url.PathEscape(caseNumber)+"/timeline", nil, nil)
}

func (c *Client) ApplyTransition(ctx context.Context, param *workflow.ApplyTransitionParams) (*workflow.ApplyTransitionResult, error) {
	if param == nil {
		return nil, errors.WithMessage(workflow.ErrValidationFailed, "nil ApplyTransitionParams")
	}
	body := &ApplyTransitionRequest{
		ExpectedVersion: param.ExpectedVersion,
		ToState:         param.ToState,
		Notes:           param.Notes,
		Actor:           param.Actor,
	}
	return doRequest[*workflow.ApplyTransitionResult](ctx, c, http.MethodPost, "/api/v1/cases/"+url.PathEscape(param.CaseNumber)+"/transitions", nil, body)
}

func (c *Client) Search(ctx context.Context, query string) ([]*workflow.Case, error) {
	values := url.Values{}
	values.Set("q", query)
	return doRequest[[]*workflow.Case](ctx, c, http.MethodGet, "/api/v1/search", values, nil)
}

// CreateCase 案件录入
func (c *Client) CreateCase(ctx context.Context, param *workflow.CreateCaseParams) (*workflow.Case, error) {
	if param == nil {
		return nil, errors.WithMessage(workflow.ErrValidationFailed, "nil CreateCaseParams")
	}
	return doRequest[*workflow.Case](ctx, c, http.MethodPost, "/api/v1/cases", nil, param)
}

type rawResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Code    string          `json:"code"`
	Error   string          `json:"error"`
}

func doRequest[T any](ctx context.Context, c *Client, method string, path string, query url.Values, body any) (T, error) {
	var zero T
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return zero, errors.WithMessagef(workflow.ErrValidationFailed, "marshal request body failed, err: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return zero, errors.WithMessagef(workflow.ErrValidationFailed, "build request failed, err: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// 超时保留原始错误, IsRetryableError 通过 net.Error / DeadlineExceeded 识别
		if ctx.Err() != nil {
			return zero, errors.WithMessagef(err, "%s %s", method, path)
		}
		return zero, errors.Wrapf(workflow.ErrRepositoryUnreachable, "%s %s, err: %v", method, path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		c.logger.Warn("case repository gateway unavailable",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return zero, errors.Wrapf(workflow.ErrRepositoryUnreachable, "%s %s, status: %d", method, path, resp.StatusCode)
	}

	raw := &rawResponse{}
	if err := json.NewDecoder(resp.Body).Decode(raw); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return zero, errors.Errorf("%s %s, status: %d, undecodable body", method, path, resp.StatusCode)
		}
		return zero, errors.WithMessagef(err, "%s %s decode response failed", method, path)
	}
	if resp.StatusCode >= http.StatusBadRequest || !raw.Success {
		return zero, errors.WithMessagef(codeError(resp.StatusCode, raw.Code), "%s %s: %s", method, path, raw.Error)
	}

	var ret T
	if len(raw.Data) == 0 || string(raw.Data) == "null" {
		return ret, nil
	}
	if err := json.Unmarshal(raw.Data, &ret); err != nil {
		return zero, errors.WithMessagef(err, "%s %s decode data failed", method, path)
	}
	return ret, nil
}

// codeError 错误码 -> 分类错误
func codeError(status int, code string) error {
	switch code {
	case CodeNotFound:
		return workflow.ErrNotFound
	case CodeConcurrentModification:
		return workflow.ErrConcurrentModification
	case CodeIllegalTransition:
		return workflow.ErrIllegalTransition
	case CodeAlreadyTerminal:
		return workflow.ErrAlreadyTerminal
	case CodeValidationFailed:
		return workflow.ErrValidationFailed
	case CodeUnauthorized:
		return ErrUnauthorized
	}
	switch status {
	case http.StatusNotFound:
		return workflow.ErrNotFound
	case http.StatusConflict:
		return workflow.ErrConcurrentModification
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	}
	if status >= http.StatusBadRequest && status < http.StatusInternalServerError {
		return workflow.ErrValidationFailed
	}
	return errors.Errorf("server error, status: %d, code: %s", status, code)
}
