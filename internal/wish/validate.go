package wish

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
)

// A candidate URL from the cache may belong to an expired session.
// Validation performs the same request the importer tools do: fetch a tiny
// page of gacha records and check the endpoint's return code.
const (
	validateGachaType = "301"
	validatePageSize  = "5"
	validateLang      = "en-us"
)

// Validator confirms an extracted URL is still authorized, not merely
// well-formed.
type Validator struct {
	client *http.Client
}

func NewValidator(timeout time.Duration) *Validator {
	return &Validator{client: &http.Client{Timeout: timeout}}
}

// gachaLogResponse is the endpoint's envelope; only retcode matters here.
type gachaLogResponse struct {
	Retcode int    `json:"retcode"`
	Message string `json:"message"`
}

// Validate performs a live round-trip against the URL's endpoint. A nil
// return means the URL is usable right now.
func (v *Validator) Validate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return errors.Wrap(err, "parsing wish URL")
	}

	q := u.Query()
	q.Set("gacha_type", validateGachaType)
	q.Set("size", validatePageSize)
	q.Set("lang", validateLang)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return errors.Wrap(err, "building validation request")
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "validation request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("validation endpoint returned %s", resp.Status)
	}

	var parsed gachaLogResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return errors.Wrap(err, "decoding validation response")
	}
	if parsed.Retcode != 0 {
		return errors.Errorf("validation endpoint returned retcode %d: %s", parsed.Retcode, parsed.Message)
	}

	return nil
}
