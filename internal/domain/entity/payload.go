package entity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// Payload is the typed body of a syncable entity.
type Payload interface {
	EntityType() Type
	Validate() error
}

type Contact struct {
	Name     string   `json:"name"`
	Email    string   `json:"email,omitempty"`
	Phone    string   `json:"phone,omitempty"`
	Company  string   `json:"company,omitempty"`
	Position string   `json:"position,omitempty"`
	Notes    string   `json:"notes,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

func (Contact) EntityType() Type { return TypeContact }

func (c Contact) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: contact name is required", ErrValidation)
	}
	if c.Email != "" {
		if _, err := mail.ParseAddress(c.Email); err != nil {
			return fmt.Errorf("%w: invalid email %q", ErrValidation, c.Email)
		}
	}
	return nil
}

// Deal stages.
const (
	StageLead        = "lead"
	StageQualified   = "qualified"
	StageProposal    = "proposal"
	StageNegotiation = "negotiation"
	StageWon         = "won"
	StageLost        = "lost"
)

type Deal struct {
	Title             string     `json:"title"`
	Amount            float64    `json:"amount"`
	Currency          string     `json:"currency,omitempty"`
	Stage             string     `json:"stage,omitempty"`
	ContactID         string     `json:"contact_id,omitempty"`
	Probability       int        `json:"probability,omitempty"`
	ExpectedCloseDate *time.Time `json:"expected_close_date,omitempty"`
	Notes             string     `json:"notes,omitempty"`
}

func (Deal) EntityType() Type { return TypeDeal }

func (d Deal) Validate() error {
	if strings.TrimSpace(d.Title) == "" {
		return fmt.Errorf("%w: deal title is required", ErrValidation)
	}
	if d.Amount < 0 {
		return fmt.Errorf("%w: deal amount must not be negative", ErrValidation)
	}
	if d.Currency != "" && len(d.Currency) != 3 {
		return fmt.Errorf("%w: currency must be an ISO 4217 code", ErrValidation)
	}
	switch d.Stage {
	case "", StageLead, StageQualified, StageProposal, StageNegotiation, StageWon, StageLost:
	default:
		return fmt.Errorf("%w: unknown deal stage %q", ErrValidation, d.Stage)
	}
	if d.Probability < 0 || d.Probability > 100 {
		return fmt.Errorf("%w: probability must be within 0..100", ErrValidation)
	}
	return nil
}

// Task priorities.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

type Task struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	Completed   bool       `json:"completed"`
	Priority    string     `json:"priority,omitempty"`
	ContactID   string     `json:"contact_id,omitempty"`
	DealID      string     `json:"deal_id,omitempty"`
}

func (Task) EntityType() Type { return TypeTask }

func (t Task) Validate() error {
	if strings.TrimSpace(t.Title) == "" {
		return fmt.Errorf("%w: task title is required", ErrValidation)
	}
	switch t.Priority {
	case "", PriorityLow, PriorityMedium, PriorityHigh:
	default:
		return fmt.Errorf("%w: unknown task priority %q", ErrValidation, t.Priority)
	}
	return nil
}

// Decode parses raw JSON into the payload variant selected by t and validates it.
// Unknown fields are rejected so that typos surface at the sync boundary.
func Decode(t Type, raw json.RawMessage) (Payload, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, ErrEmptyData
	}

	var p Payload
	switch t {
	case TypeContact:
		var c Contact
		if err := strictUnmarshal(raw, &c); err != nil {
			return nil, err
		}
		p = c
	case TypeDeal:
		var d Deal
		if err := strictUnmarshal(raw, &d); err != nil {
			return nil, err
		}
		if d.Currency == "" {
			d.Currency = "USD"
		}
		if d.Stage == "" {
			d.Stage = StageLead
		}
		p = d
	case TypeTask:
		var tk Task
		if err := strictUnmarshal(raw, &tk); err != nil {
			return nil, err
		}
		if tk.Priority == "" {
			tk.Priority = PriorityMedium
		}
		p = tk
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Normalize decodes, validates and re-encodes raw so stored data has a canonical shape.
func Normalize(t Type, raw json.RawMessage) (json.RawMessage, error) {
	p, err := Decode(t, raw)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t, err)
	}
	return out, nil
}

func strictUnmarshal(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
