package kashflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/kashflow_sync/config"
	"bitbucket.org/mmdatafocus/kashflow_sync/utils"
)

// Record is one raw KashFlow payload. Field sets differ between the paged
// list endpoints and the single-item detail endpoints, so records stay
// schemaless and the sync layer decides what to persist.
type Record = map[string]any

const defaultPerPage = 200

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	limiter <-chan time.Time
}

// NewClient authenticates against KashFlow and returns a ready client.
// All requests carry the bearer token and are paced by a client-side rate
// limiter so large fan-outs stay inside the remote API's limits.
func NewClient(ctx context.Context) (*Client, error) {
	token, err := SessionToken(ctx)
	if err != nil {
		return nil, err
	}
	return newClientWithToken(token), nil
}

func newClientWithToken(token string) *Client {
	ratePerMin := utils.Int64FromEnv("KASHFLOW_RATE_LIMIT_PER_MIN", 300)
	if ratePerMin <= 0 {
		ratePerMin = 300
	}
	return &Client{
		baseURL: baseURL(),
		token:   token,
		http:    &http.Client{Timeout: httpTimeout()},
		limiter: time.Tick(time.Minute / time.Duration(ratePerMin)),
	}
}

func baseURL() string {
	return utils.StringFromEnv("https://api.kashflow.com/v2", "BASE_URL", "KASHFLOW_BASE_URL")
}

// Metadata probes connectivity and auth. Some tenants don't expose
// /metadata; callers treat a 404 as "try a small list instead".
func (c *Client) Metadata(ctx context.Context) error {
	_, err := c.Get(ctx, "/metadata")
	return err
}

// Get fetches a single resource, e.g. /customers/ACME or /invoices/1042.
func (c *Client) Get(ctx context.Context, path string) (Record, error) {
	body, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return rec, nil
}

// Post creates a resource. Not used by the reconciliation core but part of
// the client contract consumed by operational tooling.
func (c *Client) Post(ctx context.Context, path string, payload any) (Record, error) {
	return c.send(ctx, http.MethodPost, path, payload)
}

func (c *Client) Put(ctx context.Context, path string, payload any) (Record, error) {
	return c.send(ctx, http.MethodPut, path, payload)
}

func (c *Client) Delete(ctx context.Context, path string) error {
	_, err := c.do(ctx, http.MethodDelete, path, nil, nil)
	return err
}

// Notes are attached to a parent object (customer, invoice, ...) addressed
// by its type and number.

func notesPath(objectType string, objectNumber int) string {
	return fmt.Sprintf("/%s/%d/notes", url.PathEscape(objectType), objectNumber)
}

func (c *Client) ListNotes(ctx context.Context, objectType string, objectNumber int) ([]Record, error) {
	return c.ListAll(ctx, notesPath(objectType, objectNumber), nil)
}

func (c *Client) GetNote(ctx context.Context, objectType string, objectNumber, number int) (Record, error) {
	return c.Get(ctx, fmt.Sprintf("%s/%d", notesPath(objectType, objectNumber), number))
}

func (c *Client) CreateNote(ctx context.Context, objectType string, objectNumber int, text string) (Record, error) {
	return c.Post(ctx, notesPath(objectType, objectNumber), map[string]any{"Text": text})
}

func (c *Client) UpdateNote(ctx context.Context, objectType string, objectNumber, number int, text string) (Record, error) {
	return c.Put(ctx, fmt.Sprintf("%s/%d", notesPath(objectType, objectNumber), number), map[string]any{"Number": number, "Text": text})
}

func (c *Client) DeleteNote(ctx context.Context, objectType string, objectNumber, number int) error {
	return c.Delete(ctx, fmt.Sprintf("%s/%d", notesPath(objectType, objectNumber), number))
}

func (c *Client) send(ctx context.Context, method, path string, payload any) (Record, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	body, err := c.do(ctx, method, path, nil, encoded)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	var rec Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return rec, nil
}

// listEnvelope is the paged list shape. Some endpoints return a bare JSON
// array instead; parsePage normalizes both.
type listEnvelope struct {
	Data       []Record `json:"Data"`
	Page       int      `json:"Page"`
	PerPage    int      `json:"PerPage"`
	TotalPages int      `json:"TotalPages"`
}

// ListPage fetches a single page of a list endpoint. Used for the cheap
// connectivity probe against tenants that don't expose /metadata.
func (c *Client) ListPage(ctx context.Context, path string, params url.Values) ([]Record, error) {
	q := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if q.Get("page") == "" {
		q.Set("page", "1")
	}
	body, err := c.do(ctx, http.MethodGet, path, q, nil)
	if err != nil {
		return nil, err
	}
	perPage := defaultPerPage
	if n, err := strconv.Atoi(q.Get("perpage")); err == nil && n > 0 {
		perPage = n
	}
	records, _, err := parsePage(body, 1, perPage)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return records, nil
}

// ListAll walks a paged list endpoint to exhaustion and returns the
// flattened records. Pages are fetched strictly sequentially: the next-page
// decision depends on the previous response. A 404 on the primary path is
// retried once against the trailing-slash variant before failing.
func (c *Client) ListAll(ctx context.Context, path string, params url.Values) ([]Record, error) {
	perPage := defaultPerPage
	if params != nil {
		if v := params.Get("perpage"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				perPage = n
			}
		}
	}

	var all []Record
	activePath := path
	for page := 1; ; page++ {
		q := url.Values{}
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		q.Set("page", strconv.Itoa(page))
		q.Set("perpage", strconv.Itoa(perPage))

		body, err := c.do(ctx, http.MethodGet, activePath, q, nil)
		if err != nil {
			if page == 1 && activePath == path && IsNotFound(err) {
				// Some deployments only serve the trailing-slash variant.
				activePath = path + "/"
				body, err = c.do(ctx, http.MethodGet, activePath, q, nil)
			}
			if err != nil {
				return nil, err
			}
		}

		records, hasNext, err := parsePage(body, page, perPage)
		if err != nil {
			return nil, fmt.Errorf("decode %s page %d: %w", path, page, err)
		}
		all = append(all, records...)
		if !hasNext {
			return all, nil
		}
	}
}

func parsePage(body []byte, page, perPage int) ([]Record, bool, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, false, nil
	}

	if trimmed[0] == '[' {
		var records []Record
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, false, err
		}
		return records, len(records) == perPage, nil
	}

	var env listEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, false, err
	}
	if env.TotalPages > 0 {
		current := env.Page
		if current == 0 {
			current = page
		}
		return env.Data, current < env.TotalPages, nil
	}
	return env.Data, len(env.Data) == perPage, nil
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, payload []byte) ([]byte, error) {
	select {
	case <-c.limiter:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := newAPIError(resp.StatusCode, body)
		config.GetLogger().WithFields(logrus.Fields{
			"status": resp.StatusCode,
			"path":   path,
			"msg":    apiErr.Message,
		}).Debug("KashFlow API error")
		return nil, apiErr
	}
	return body, nil
}
