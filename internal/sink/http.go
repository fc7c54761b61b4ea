package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPSink posts batches to a row-append endpoint. The destination is
// expected to treat X-Batch-Token as a de-duplication key.
type HTTPSink struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPSink(baseURL string) *HTTPSink {
	return &HTTPSink{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type appendPayload struct {
	SinkID string     `json:"sink_id"`
	Values [][]string `json:"values"`
}

func (s *HTTPSink) AppendRows(ctx context.Context, sinkID, batchToken string, rows [][]string) error {
	body, err := json.Marshal(appendPayload{SinkID: sinkID, Values: rows})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+"/v1/append", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Batch-Token", batchToken)

	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sink append: status %d", resp.StatusCode)
	}
	return nil
}
