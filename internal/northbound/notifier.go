package northbound

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/smartsolutions/datwall/internal/logger"
)

// httpNotifier is the HTTP/JSON implementation of Sink: every event is
// POSTed to a fixed webhook URL.
type httpNotifier struct {
	webhookURL         string
	httpClient         *http.Client
	maxResponseBodyLen int64
}

// NewHTTPNotifier creates a Sink that delivers events via HTTP POST with a
// JSON body.
func NewHTTPNotifier(webhookURL string) Sink {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   3 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   3 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &httpNotifier{
		webhookURL: webhookURL,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   5 * time.Second,
		},
		maxResponseBodyLen: 4 << 10, // 4 KiB for logging snippets
	}
}

// Deliver implements Sink.
func (notifier *httpNotifier) Deliver(ctx context.Context, event Event) error {
	if notifier.webhookURL == "" {
		return errors.New("webhook url must not be empty")
	}

	jsonBytes, marshalError := json.Marshal(event)
	if marshalError != nil {
		return errors.Wrap(marshalError, "marshal event")
	}

	httpRequest, requestError := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		notifier.webhookURL,
		bytes.NewReader(jsonBytes),
	)
	if requestError != nil {
		return errors.Wrapf(requestError, "create request to %s", notifier.webhookURL)
	}

	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("User-Agent", "datwall-notifier/1.0")

	logger.NorthboundLog.Debugf("Sending event topic=%s seq=%d to %s",
		event.Topic, event.Sequence, notifier.webhookURL)

	httpResponse, doError := notifier.httpClient.Do(httpRequest)
	if doError != nil {
		return errors.Wrap(doError, "event delivery failed")
	}

	defer func() {
		if closeErr := httpResponse.Body.Close(); closeErr != nil {
			logger.NorthboundLog.Debugf("failed to close response body: %v", closeErr)
		}
	}()

	if httpResponse.StatusCode/100 != 2 {
		bodySnippet := notifier.readBodySnippet(httpResponse.Body)
		logger.NorthboundLog.Warnf(
			"event delivery non-2xx status=%s url=%s bodySnippet=%q",
			httpResponse.Status, notifier.webhookURL, bodySnippet,
		)
		return errors.Errorf("event delivery non-2xx status: %s", httpResponse.Status)
	}

	logger.NorthboundLog.Debugf("event delivery success topic=%s seq=%d", event.Topic, event.Sequence)
	return nil
}

// Close implements Sink.
func (notifier *httpNotifier) Close() error {
	notifier.httpClient.CloseIdleConnections()
	return nil
}

// readBodySnippet reads at most maxResponseBodyLen bytes from the response
// body for logging purposes. It never returns an error and is best-effort only.
func (notifier *httpNotifier) readBodySnippet(body io.Reader) string {
	if notifier.maxResponseBodyLen <= 0 {
		return ""
	}

	limitedReader := io.LimitedReader{
		R: body,
		N: notifier.maxResponseBodyLen,
	}
	rawBytes, readError := io.ReadAll(&limitedReader)
	if readError != nil {
		return ""
	}
	return string(rawBytes)
}
