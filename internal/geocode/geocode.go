package geocode

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dztow/backend/internal/models"
)

var ErrNotFound = errors.New("geocode not found")

// Reverser turns a coordinate into a human readable place label.
type Reverser interface {
	Reverse(ctx context.Context, pos models.Position) (string, error)
}

// CacheKey rounds to four decimals (about 11 m), close enough that a seeker
// re-requesting from the same spot reuses the label.
func CacheKey(pos models.Position) string {
	return fmt.Sprintf("%.4f,%.4f", pos.Lat, pos.Lng)
}

// ShortLabel keeps the first n comma separated parts of a display name.
func ShortLabel(displayName string, n int) string {
	parts := strings.Split(displayName, ",")
	out := make([]string, 0, n)
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
		if len(out) == n {
			break
		}
	}
	return strings.Join(out, ", ")
}

// Label is the best-effort lookup used on request creation: any failure or
// timeout yields an empty label.
func Label(ctx context.Context, r Reverser, pos models.Position, timeout time.Duration, logger zerolog.Logger) string {
	if r == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	label, err := r.Reverse(ctx, pos)
	if err != nil {
		logger.Debug().Err(err).Float64("lat", pos.Lat).Float64("lng", pos.Lng).Msg("reverse geocode failed")
		return ""
	}
	return label
}
