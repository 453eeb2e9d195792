package models

import "time"

type Role string

const (
	RoleSeeker   Role = "seeker"
	RoleOperator Role = "operator"
)

type TruckCategory string

const (
	TruckFlatbed      TruckCategory = "flatbed"
	TruckWheelLift    TruckCategory = "wheel_lift"
	TruckHookAndChain TruckCategory = "hook_and_chain"
)

func (c TruckCategory) Valid() bool {
	switch c {
	case TruckFlatbed, TruckWheelLift, TruckHookAndChain:
		return true
	}
	return false
}

type Position struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng float64 `json:"lng" validate:"gte=-180,lte=180"`
}

// Profile holds the fields every actor carries regardless of role.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Phone       string `json:"phone"`
	Language    string `json:"language"`
	Verified    bool   `json:"verified"`
}

// Actor is a sum type over Seeker and Operator. The unexported method keeps
// the set of variants closed to this package.
type Actor interface {
	ActorProfile() Profile
	Role() Role
	actor()
}

type Seeker struct {
	Profile
}

func (s Seeker) ActorProfile() Profile { return s.Profile }
func (Seeker) Role() Role              { return RoleSeeker }
func (Seeker) actor()                  {}

// Operator is a tow-truck owner. Only operators carry availability and position.
type Operator struct {
	Profile
	CompanyName   string        `json:"company_name"`
	TruckCategory TruckCategory `json:"truck_category"`
	IsAvailable   bool          `json:"is_available"`
	Position      Position      `json:"position"`
	LastUpdate    time.Time     `json:"last_update"`
}

func (o Operator) ActorProfile() Profile { return o.Profile }
func (Operator) Role() Role              { return RoleOperator }
func (Operator) actor()                  {}
