package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/davidroman0O/dunlite"
)

// httpGateway posts charge executions to an external endpoint. A non-2xx
// response is a transport failure; a decline comes back in the body.
type httpGateway struct {
	url    string
	client *http.Client
}

func newHTTPGateway(url string) *httpGateway {
	return &httpGateway{url: url, client: http.DefaultClient}
}

type chargeRequest struct {
	PaymentID string `json:"payment_id"`
	AttemptID string `json:"attempt_id"`
}

type chargeResponse struct {
	Success      bool   `json:"success"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

func (g *httpGateway) AttemptCharge(ctx context.Context, paymentID, attemptID string) (dunlite.ChargeResult, error) {
	body, err := json.Marshal(chargeRequest{PaymentID: paymentID, AttemptID: attemptID})
	if err != nil {
		return dunlite.ChargeResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return dunlite.ChargeResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return dunlite.ChargeResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return dunlite.ChargeResult{}, fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}

	var cr chargeResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return dunlite.ChargeResult{}, fmt.Errorf("gateway response decode: %w", err)
	}
	return dunlite.ChargeResult{
		Success:      cr.Success,
		ErrorCode:    cr.ErrorCode,
		ErrorMessage: cr.ErrorMessage,
	}, nil
}
