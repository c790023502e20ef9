package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"potion-flow-monitor/internal/model"
)

const (
	defaultBaseURL = "https://hackutd2025.eog.systems"

	cauldronsPath = "/api/Information/cauldrons"
	marketPath    = "/api/Information/market"
	couriersPath  = "/api/Information/couriers"
	dataPath      = "/api/Data"
	ticketsPath   = "/api/Tickets"
)

// Options parameterise the factory API client.
type Options struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	APIKey    string
}

// Client talks to the factory simulation API.
type Client struct {
	opts    Options
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewClient constructs an upstream client.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &Client{
		opts:    opts,
		logger:  logger.With().Str("component", "upstream_client").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// HTTPError is returned for non-2xx upstream responses.
type HTTPError struct {
	Path       string
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("upstream %s error (%d): %s", e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("upstream %s error (%d)", e.Path, e.StatusCode)
}

// FetchCauldrons lists cauldrons; records without an id are skipped.
func (c *Client) FetchCauldrons(ctx context.Context) ([]model.Cauldron, error) {
	var raw []cauldronRecord
	if err := c.getJSON(ctx, cauldronsPath, nil, &raw); err != nil {
		return nil, err
	}

	cauldrons := make([]model.Cauldron, 0, len(raw))
	dropped := 0
	for _, r := range raw {
		cauldron, ok := r.toModel()
		if !ok {
			dropped++
			continue
		}
		cauldrons = append(cauldrons, cauldron)
	}
	c.logDropped(cauldronsPath, dropped)
	return cauldrons, nil
}

// FetchMarket returns the market.
func (c *Client) FetchMarket(ctx context.Context) (model.Market, error) {
	var raw marketRecord
	if err := c.getJSON(ctx, marketPath, nil, &raw); err != nil {
		return model.Market{}, err
	}
	if raw.ID == "" {
		return model.Market{}, fmt.Errorf("upstream %s: market record missing id", marketPath)
	}
	return model.Market{
		ID:          raw.ID,
		Name:        raw.Name,
		Latitude:    raw.Latitude,
		Longitude:   raw.Longitude,
		Description: raw.Description,
	}, nil
}

// FetchCouriers lists couriers.
func (c *Client) FetchCouriers(ctx context.Context) ([]model.Courier, error) {
	var raw []model.Courier
	if err := c.getJSON(ctx, couriersPath, nil, &raw); err != nil {
		return nil, err
	}

	couriers := make([]model.Courier, 0, len(raw))
	dropped := 0
	for _, r := range raw {
		if r.CourierID == "" {
			dropped++
			continue
		}
		couriers = append(couriers, r)
	}
	c.logDropped(couriersPath, dropped)
	return couriers, nil
}

// FetchLevels returns the full level history the upstream exposes.
func (c *Client) FetchLevels(ctx context.Context) ([]model.LevelObservation, error) {
	return c.fetchLevels(ctx, nil)
}

// FetchLevelsBetween restricts the level history to [from, to].
func (c *Client) FetchLevelsBetween(ctx context.Context, from, to time.Time) ([]model.LevelObservation, error) {
	if !from.Before(to) {
		return nil, errors.New("from must be before to")
	}
	query := url.Values{}
	query.Set("start_date", strconv.FormatInt(from.Unix(), 10))
	query.Set("end_date", strconv.FormatInt(to.Unix(), 10))
	return c.fetchLevels(ctx, query)
}

func (c *Client) fetchLevels(ctx context.Context, query url.Values) ([]model.LevelObservation, error) {
	var raw []levelRecord
	if err := c.getJSON(ctx, dataPath, query, &raw); err != nil {
		return nil, err
	}

	observations := make([]model.LevelObservation, 0, len(raw))
	dropped := 0
	for _, r := range raw {
		obs, ok := r.toModel()
		if !ok {
			dropped++
			continue
		}
		observations = append(observations, obs)
	}
	c.logDropped(dataPath, dropped)
	return observations, nil
}

// FetchTickets returns transport tickets. Malformed records are dropped
// and counted in Metadata.MalformedRecords.
func (c *Client) FetchTickets(ctx context.Context) (model.TicketsSnapshot, error) {
	var raw ticketsEnvelope
	if err := c.getJSON(ctx, ticketsPath, nil, &raw); err != nil {
		return model.TicketsSnapshot{}, err
	}

	snapshot := model.TicketsSnapshot{
		TransportTickets: make([]model.TransportTicket, 0, len(raw.TransportTickets)),
	}
	for _, r := range raw.TransportTickets {
		ticket, err := r.toModel()
		if err != nil {
			snapshot.Metadata.MalformedRecords++
			c.logger.Debug().Err(err).Msg("dropping malformed ticket")
			continue
		}
		snapshot.TransportTickets = append(snapshot.TransportTickets, ticket)
	}

	snapshot.Metadata.TotalTickets = len(snapshot.TransportTickets)
	if raw.Metadata != nil {
		if raw.Metadata.TotalTickets > 0 {
			snapshot.Metadata.TotalTickets = raw.Metadata.TotalTickets
		}
		if raw.Metadata.DateRange != nil {
			snapshot.Metadata.DateRangeStart, _ = parseTime(raw.Metadata.DateRange.Start)
			snapshot.Metadata.DateRangeEnd, _ = parseTime(raw.Metadata.DateRange.End)
		}
	}
	c.logDropped(ticketsPath, snapshot.Metadata.MalformedRecords)
	return snapshot, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "potionwatch/1.0")
	}
	if c.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}

	started := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	c.logger.Debug().
		Str("path", path).
		Int("status", resp.StatusCode).
		Int("bytes", len(payload)).
		Dur("elapsed", time.Since(started)).
		Msg("upstream response")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseHTTPError(path, resp.StatusCode, payload)
	}

	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) logDropped(path string, dropped int) {
	if dropped == 0 {
		return
	}
	c.logger.Warn().Str("path", path).Int("dropped", dropped).Msg("upstream returned malformed records")
}

type errorResponse struct {
	Title   string `json:"title"`
	Detail  string `json:"detail"`
	Message string `json:"message"`
}

func parseHTTPError(path string, status int, payload []byte) error {
	httpErr := &HTTPError{Path: path, StatusCode: status}

	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		switch {
		case apiErr.Detail != "":
			httpErr.Message = apiErr.Detail
		case apiErr.Message != "":
			httpErr.Message = apiErr.Message
		case apiErr.Title != "":
			httpErr.Message = apiErr.Title
		}
	}
	if httpErr.Message == "" && len(payload) > 0 {
		msg := strings.TrimSpace(string(payload))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		httpErr.Message = msg
	}
	return httpErr
}

var _ Upstream = (*Client)(nil)
