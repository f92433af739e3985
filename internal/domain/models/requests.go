package models

// Requests for the operator HTTP endpoints.

type TripBreakerRequest struct {
	Operator string `json:"operator" validate:"required"`
	Reason   string `json:"reason" validate:"required,max=256"`
}

type ResetBreakerRequest struct {
	Operator string `json:"operator" validate:"required"`
	Reason   string `json:"reason" default:"operator reset" validate:"max=256"`
}

type ListRequest struct {
	Symbol string `query:"symbol" json:"symbol"`
	Status string `query:"status" json:"status"`
	Limit  int    `query:"limit" json:"limit" default:"100" validate:"gte=1,lte=1000"`
}

type ClosePositionRequest struct {
	ID     string `param:"id" validate:"required"`
	Reason string `json:"reason" default:"operator" validate:"max=128"`
}

type RecalibrateRequest struct {
	Operator string `json:"operator" validate:"required"`
}

type SetBaselineRequest struct {
	A   string   `json:"a" validate:"required"`
	B   string   `json:"b" validate:"required,nefield=A"`
	Rho *float64 `json:"rho" validate:"required,gte=-1,lte=1"`
}

type IDRequest struct {
	ID string `param:"id" validate:"required"`
}
