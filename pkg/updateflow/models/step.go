package models

import (
	"encoding/json"
	"time"
)

// StepRequest is the body of POST /actions/{workflow}/{step}.
type StepRequest struct {
	StateToken string          `json:"stateToken,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
}

// StepResponse is returned for every executed step, failed ones included.
type StepResponse struct {
	Workflow        string           `json:"workflow"`
	Step            string           `json:"step"`
	RunID           string           `json:"runId"`
	InitialStep     string           `json:"initialStep,omitempty"`
	NextStep        string           `json:"nextStep,omitempty"`
	StatusMessage   string           `json:"statusMessage,omitempty"`
	StateToken      string           `json:"stateToken,omitempty"`
	Finished        bool             `json:"finished,omitempty"`
	ReturnURL       string           `json:"returnUrl,omitempty"`
	Error           string           `json:"error,omitempty"`
	ErrorDetails    string           `json:"errorDetails,omitempty"`
	Severity        string           `json:"severity,omitempty"`
	RecoveryOptions []RecoveryOption `json:"recoveryOptions,omitempty"`
}

type RecoveryOption struct {
	Label      string `json:"label"`
	NextStep   string `json:"nextStep,omitempty"`
	StateToken string `json:"stateToken,omitempty"`
	URL        string `json:"url,omitempty"`
}

// ErrorResponse is returned with every non 200 status.
type ErrorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Username string    `json:"username"`
	Expires  time.Time `json:"expires"`
}

type CreateUserRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	Admin       bool   `json:"admin"`
	Permissions string `json:"permissions"`
}

// MaintenanceResponse reports the maintenance flag.
type MaintenanceResponse struct {
	Locked   bool       `json:"locked"`
	Holder   string     `json:"holder,omitempty"`
	Acquired *time.Time `json:"acquired,omitempty"`
	Expires  *time.Time `json:"expires,omitempty"`
}
