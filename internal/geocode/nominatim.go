package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dztow/backend/internal/models"
	"github.com/dztow/backend/internal/utils"
)

type NominatimGeocoder struct {
	BaseURL     string
	UserAgent   string
	MinInterval time.Duration
	Client      *http.Client

	mu        sync.Mutex
	lastReqAt time.Time
	cache     map[uint64]string
}

type nominatimReverse struct {
	DisplayName string `json:"display_name"`
	Error       string `json:"error"`
}

func (g *NominatimGeocoder) Reverse(ctx context.Context, pos models.Position) (string, error) {
	if g.Client == nil {
		g.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if g.BaseURL == "" {
		g.BaseURL = "https://nominatim.openstreetmap.org"
	}
	if g.UserAgent == "" {
		g.UserAgent = "dztow-backend"
	}
	if g.MinInterval <= 0 {
		g.MinInterval = time.Second
	}

	key := utils.HashStringToUint64(CacheKey(pos))
	g.mu.Lock()
	if g.cache == nil {
		g.cache = map[uint64]string{}
	}
	if cached, ok := g.cache[key]; ok {
		g.mu.Unlock()
		return cached, nil
	}
	sleepFor := time.Until(g.lastReqAt.Add(g.MinInterval))
	if sleepFor > 0 {
		g.mu.Unlock()
		select {
		case <-time.After(sleepFor):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		g.mu.Lock()
	}
	g.lastReqAt = time.Now()
	g.mu.Unlock()

	q := url.Values{}
	q.Set("lat", fmt.Sprintf("%f", pos.Lat))
	q.Set("lon", fmt.Sprintf("%f", pos.Lng))
	q.Set("format", "jsonv2")
	q.Set("zoom", "16")
	endpoint := g.BaseURL + "/reverse?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", g.UserAgent)

	resp, err := g.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("nominatim http error: %s", resp.Status)
	}

	var item nominatimReverse
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return "", err
	}
	label, err := parseReverse(item)
	if err != nil {
		return "", err
	}

	g.mu.Lock()
	g.cache[key] = label
	g.mu.Unlock()

	return label, nil
}

func parseReverse(item nominatimReverse) (string, error) {
	if item.Error != "" || item.DisplayName == "" {
		return "", ErrNotFound
	}
	return ShortLabel(item.DisplayName, 3), nil
}
