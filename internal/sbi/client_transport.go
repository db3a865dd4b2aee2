// Package sbi provides the HTTP surfaces of datwall. This file implements the
// client side of the purchase transports:
//
//   - UssdClient dials USSD codes through the handset USSD gateway
//     (POST {base}/ussd, {"code": "*133*1#"} -> {"response": "..."})
//   - MiCubacelClient lists and buys products on the carrier web shop
//     (GET {base}/products, POST {base}/buy {"url": "..."})
//
// Transport calls are bounded by the client timeout and never retried.
package sbi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/smartsolutions/datwall/internal/logger"
	"github.com/smartsolutions/datwall/internal/model"
)

const userAgent = "datwall-transport/1.0"

// ErrEmptyBaseURL is returned when a transport has no endpoint configured.
var ErrEmptyBaseURL = errors.New("transport base URL is empty")

// transportClient carries the HTTP plumbing shared by both transports.
type transportClient struct {
	baseURL            string
	httpClient         *http.Client
	maxResponseBodyLen int64
}

func newTransportClient(baseURL string, timeout time.Duration) transportClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return transportClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		maxResponseBodyLen: 4 << 10, // 4 KiB for logging snippets
	}
}

// do sends a JSON request and decodes a JSON response into target when it is
// not nil. Any non-2xx status is an error.
func (client transportClient) do(ctx context.Context, method string, path string, payload interface{}, target interface{}) error {
	if client.baseURL == "" {
		return ErrEmptyBaseURL
	}

	var body io.Reader
	if payload != nil {
		jsonBytes, err := json.Marshal(payload)
		if err != nil {
			return errors.Wrap(err, "marshal request")
		}
		body = bytes.NewReader(jsonBytes)
	}

	requestURL := joinURL(client.baseURL, path)
	httpRequest, err := http.NewRequestWithContext(ctx, method, requestURL, body)
	if err != nil {
		return errors.Wrapf(err, "create request to %s", requestURL)
	}
	if payload != nil {
		httpRequest.Header.Set("Content-Type", "application/json")
	}
	httpRequest.Header.Set("User-Agent", userAgent)

	httpResponse, err := client.httpClient.Do(httpRequest)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, requestURL)
	}
	defer func() {
		if closeErr := httpResponse.Body.Close(); closeErr != nil {
			logger.SbiLog.Debugf("failed to close response body of %s: %v", requestURL, closeErr)
		}
	}()

	if httpResponse.StatusCode/100 != 2 {
		bodySnippet := client.readBodySnippet(httpResponse.Body)
		logger.SbiLog.Warnf("%s %s non-2xx status=%s bodySnippet=%q", method, requestURL, httpResponse.Status, bodySnippet)
		return errors.Errorf("%s %s: status %s", method, requestURL, httpResponse.Status)
	}

	if target == nil {
		return nil
	}
	if err := json.NewDecoder(httpResponse.Body).Decode(target); err != nil {
		return errors.Wrapf(err, "decode response of %s", requestURL)
	}
	return nil
}

// readBodySnippet reads at most maxResponseBodyLen bytes for logging.
func (client transportClient) readBodySnippet(body io.Reader) string {
	limitedReader := io.LimitedReader{R: body, N: client.maxResponseBodyLen}
	rawBytes, err := io.ReadAll(&limitedReader)
	if err != nil {
		return ""
	}
	return string(rawBytes)
}

// UssdClient dials USSD codes through the handset gateway.
type UssdClient struct {
	transportClient
}

type ussdRequest struct {
	Code string `json:"code"`
}

type ussdResponse struct {
	Response string `json:"response"`
}

// NewUssdClient creates a client for the gateway at baseURL.
func NewUssdClient(baseURL string, timeout time.Duration) *UssdClient {
	return &UssdClient{transportClient: newTransportClient(baseURL, timeout)}
}

// SendUssd dials code and returns the text the carrier answered.
func (client *UssdClient) SendUssd(ctx context.Context, code string) (string, error) {
	if strings.TrimSpace(code) == "" {
		return "", errors.New("ussd code must not be empty")
	}

	logger.SbiLog.Infof("dialing ussd code %s", code)

	var response ussdResponse
	if err := client.do(ctx, http.MethodPost, "ussd", ussdRequest{Code: code}, &response); err != nil {
		return "", errors.Wrapf(err, "ussd %s", code)
	}
	return response.Response, nil
}

// MiCubacelClient talks to the carrier web shop.
type MiCubacelClient struct {
	transportClient
}

type buyRequest struct {
	URL string `json:"url"`
}

// NewMiCubacelClient creates a client for the shop at baseURL.
func NewMiCubacelClient(baseURL string, timeout time.Duration) *MiCubacelClient {
	return &MiCubacelClient{transportClient: newTransportClient(baseURL, timeout)}
}

// Products lists the products currently offered.
func (client *MiCubacelClient) Products(ctx context.Context) ([]model.Product, error) {
	var products []model.Product
	if err := client.do(ctx, http.MethodGet, "products", nil, &products); err != nil {
		return nil, errors.Wrap(err, "list micubacel products")
	}
	logger.SbiLog.Debugf("micubacel offers %d product(s)", len(products))
	return products, nil
}

// BuyProduct buys the product behind url.
func (client *MiCubacelClient) BuyProduct(ctx context.Context, url string) error {
	if url == "" {
		return errors.New("product url must not be empty")
	}

	logger.SbiLog.Infof("buying micubacel product %s", url)

	if err := client.do(ctx, http.MethodPost, "buy", buyRequest{URL: url}, nil); err != nil {
		return errors.Wrap(err, "buy micubacel product")
	}
	return nil
}

// joinURL concatenates base URL and path segments with single slashes.
// Segments are not escaped.
func joinURL(base string, segments ...string) string {
	trimmedBase := strings.TrimRight(base, "/")

	var cleanedSegments []string
	for _, segment := range segments {
		if segment == "" {
			continue
		}
		cleanedSegments = append(cleanedSegments, strings.Trim(segment, "/"))
	}
	if len(cleanedSegments) == 0 {
		return trimmedBase
	}
	return trimmedBase + "/" + strings.Join(cleanedSegments, "/")
}
