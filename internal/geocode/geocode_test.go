package geocode

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dztow/backend/internal/models"
)

func TestCacheKeyRounds(t *testing.T) {
	a := CacheKey(models.Position{Lat: 36.365012, Lng: 6.614701})
	b := CacheKey(models.Position{Lat: 36.364998, Lng: 6.614698})
	if a != b || a != "36.3650,6.6147" {
		t.Fatalf("unexpected keys: %s %s", a, b)
	}
}

func TestShortLabel(t *testing.T) {
	got := ShortLabel("Rue Abane Ramdane, Sidi Mabrouk, Constantine, Algeria", 3)
	if got != "Rue Abane Ramdane, Sidi Mabrouk, Constantine" {
		t.Fatalf("unexpected label: %s", got)
	}
}

type reverserFunc func(ctx context.Context, pos models.Position) (string, error)

func (f reverserFunc) Reverse(ctx context.Context, pos models.Position) (string, error) {
	return f(ctx, pos)
}

func TestLabelIsBestEffort(t *testing.T) {
	failing := reverserFunc(func(context.Context, models.Position) (string, error) {
		return "", errors.New("boom")
	})
	if got := Label(context.Background(), failing, models.Position{}, time.Second, zerolog.Nop()); got != "" {
		t.Fatalf("expected empty label on failure, got %q", got)
	}
	if got := Label(context.Background(), nil, models.Position{}, time.Second, zerolog.Nop()); got != "" {
		t.Fatalf("expected empty label without reverser, got %q", got)
	}
	ok := reverserFunc(func(context.Context, models.Position) (string, error) { return "Constantine", nil })
	if got := Label(context.Background(), ok, models.Position{}, time.Second, zerolog.Nop()); got != "Constantine" {
		t.Fatalf("unexpected label %q", got)
	}
}
