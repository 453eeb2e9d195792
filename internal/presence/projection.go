package presence

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dztow/backend/internal/apperr"
	"github.com/dztow/backend/internal/models"
	"github.com/dztow/backend/internal/utils"
)

type Filter string

const (
	FilterAll     Filter = "all"
	FilterOnline  Filter = "online"
	FilterOffline Filter = "offline"
)

const (
	MinRadiusKm = 5.0
	MaxRadiusKm = 50.0
)

func ParseFilter(s string) (Filter, error) {
	switch Filter(strings.ToLower(strings.TrimSpace(s))) {
	case "", FilterAll:
		return FilterAll, nil
	case FilterOnline:
		return FilterOnline, nil
	case FilterOffline:
		return FilterOffline, nil
	}
	return "", fmt.Errorf("unknown filter %q: %w", s, apperr.ErrValidation)
}

// Apply is a pure projection: the same snapshot and filter always produce the
// same result, in snapshot order.
func Apply(snapshot []models.Operator, f Filter) []models.Operator {
	out := make([]models.Operator, 0, len(snapshot))
	for _, op := range snapshot {
		switch f {
		case FilterOnline:
			if !op.IsAvailable {
				continue
			}
		case FilterOffline:
			if op.IsAvailable {
				continue
			}
		}
		out = append(out, op)
	}
	return out
}

type Nearby struct {
	Operator   models.Operator `json:"operator"`
	DistanceKm float64         `json:"distance_km"`
}

func ClampRadius(km float64) float64 {
	if km < MinRadiusKm {
		return MinRadiusKm
	}
	if km > MaxRadiusKm {
		return MaxRadiusKm
	}
	return km
}

// Within keeps operators inside radiusKm of origin, nearest first. Ties keep
// id order.
func Within(snapshot []models.Operator, origin models.Position, radiusKm float64) []Nearby {
	radiusKm = ClampRadius(radiusKm)
	out := make([]Nearby, 0, len(snapshot))
	for _, op := range snapshot {
		d := utils.HaversineKm(origin.Lat, origin.Lng, op.Position.Lat, op.Position.Lng)
		if d <= radiusKm {
			out = append(out, Nearby{Operator: op, DistanceKm: d})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DistanceKm == out[j].DistanceKm {
			return out[i].Operator.ID < out[j].Operator.ID
		}
		return out[i].DistanceKm < out[j].DistanceKm
	})
	return out
}

// AvailableIDs returns the ids of available operators in snapshot order.
func AvailableIDs(snapshot []models.Operator) []string {
	ids := make([]string, 0, len(snapshot))
	for _, op := range Apply(snapshot, FilterOnline) {
		ids = append(ids, op.ID)
	}
	return ids
}
