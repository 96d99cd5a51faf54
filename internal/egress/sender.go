package egress

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/brain2apm/agent/internal/apmerrors"
)

// gzipMinBytes and gzipMaxRatio implement spec §4.2's compression rule:
// "compress with gzip when the serialized body exceeds 1024 bytes and
// the compressed size is less than 90% of the uncompressed size;
// otherwise send uncompressed."
const (
	gzipMinBytes = 1024
	gzipMaxRatio = 0.9
)

// sender owns the HTTP transport, optional circuit breaker, and the
// low-level envelope-build-and-POST mechanics. It is deliberately
// stateless beyond its http.Client and breaker so batch.go/retry.go
// own all queueing concerns.
type sender struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	logger     *zap.Logger
	breaker    *gobreaker.CircuitBreaker[*http.Response]
}

func newSender(endpoint, apiKey string, timeout time.Duration, logger *zap.Logger, useBreaker bool) *sender {
	s := &sender{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		endpoint: endpoint,
		apiKey:   apiKey,
		logger:   logger,
	}
	if useBreaker {
		s.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
			Name:        "apm-egress",
			MaxRequests: 3,
			Interval:    10 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < 5 {
					return false
				}
				return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("egress circuit breaker state change",
					zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
			},
		})
	}
	return s
}

// send builds the envelope {kind's payload key: items}, optionally
// gzips it, and POSTs it to the kind's endpoint path. A 202 is success
// (spec §4.2 "202 Accepted is the only success response"); anything
// else, or a transport failure, returns an error so the caller can
// enqueue a retry.
func (s *sender) send(ctx context.Context, kind Kind, items []any) error {
	safeItems := make([]any, len(items))
	for i, it := range items {
		safeItems[i] = safeCopy(it)
	}
	envelope := map[string]any{PayloadKey(kind): safeItems}
	body, err := json.Marshal(envelope)
	if err != nil {
		return apmerrors.Serialization("marshaling egress envelope", err)
	}

	contentEncoding := ""
	if len(body) > gzipMinBytes {
		compressed, cerr := gzipCompress(body)
		if cerr == nil && float64(len(compressed)) < float64(len(body))*gzipMaxRatio {
			body = compressed
			contentEncoding = "gzip"
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+EndpointPath(kind), bytes.NewReader(body))
	if err != nil {
		return apmerrors.Transient("building egress request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	if contentEncoding != "" {
		req.Header.Set("Content-Encoding", contentEncoding)
	}

	do := func() (*http.Response, error) { return s.httpClient.Do(req) }

	var resp *http.Response
	if s.breaker != nil {
		resp, err = s.breaker.Execute(do)
	} else {
		resp, err = do()
	}
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return apmerrors.HostUnavailable(fmt.Sprintf("egress circuit breaker open for %s", kind))
		}
		return apmerrors.Transient(fmt.Sprintf("sending %s batch", kind), err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusAccepted {
		return apmerrors.Transient(fmt.Sprintf("egress endpoint for %s returned status %d", kind, resp.StatusCode), nil)
	}
	return nil
}

func gzipCompress(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
