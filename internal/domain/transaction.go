package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Transaction represents an ingested financial transaction.
// Transactions are immutable once stored.
type Transaction struct {
	// Core identifiers
	ID string `json:"id"`

	// Transaction type (e.g., "wire", "cash_deposit", "transfer")
	Type string `json:"type"`

	// Parties involved
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`

	// Financial details
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`

	// Free-text description / payment reference
	Description string `json:"description,omitempty"`

	// Geography (ISO 3166-1 alpha-2)
	SenderCountry   string `json:"senderCountry,omitempty"`
	ReceiverCountry string `json:"receiverCountry,omitempty"`
	Location        string `json:"location,omitempty"`

	// Temporal
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks that a transaction is well formed.
// Failures wrap ErrValidation.
func (t *Transaction) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: transaction is required", ErrValidation)
	}
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: transaction id is required", ErrValidation)
	}
	if t.SenderID == "" || t.ReceiverID == "" {
		return fmt.Errorf("%w: transaction %s: sender and receiver are required", ErrValidation, t.ID)
	}
	if math.IsNaN(t.Amount) || math.IsInf(t.Amount, 0) || t.Amount <= 0 {
		return fmt.Errorf("%w: transaction %s: amount must be positive", ErrValidation, t.ID)
	}
	if len(t.Currency) != 3 {
		return fmt.Errorf("%w: transaction %s: currency must be a 3-letter code", ErrValidation, t.ID)
	}
	if t.Timestamp.IsZero() {
		return fmt.Errorf("%w: transaction %s: timestamp is required", ErrValidation, t.ID)
	}
	return nil
}

// Countries returns the non-empty sender and receiver countries, upper-cased.
func (t *Transaction) Countries() []string {
	var out []string
	for _, c := range []string{t.SenderCountry, t.ReceiverCountry} {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

// BehaviorFeatures are precomputed statistics of a customer's historical
// transaction amounts. Detectors consume them as-is.
type BehaviorFeatures struct {
	CustomerID string  `json:"customerId"`
	Mean       float64 `json:"mean"`
	StdDev     float64 `json:"stdDev"`
	SampleSize int     `json:"sampleSize"`
}

// CaseRequest is the API request payload for opening a case.
type CaseRequest struct {
	Subject Transaction   `json:"subject"`
	Related []Transaction `json:"related,omitempty"`
}
