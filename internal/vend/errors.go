package vend

import (
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/vendgate/internal/ledger"
)

// Workflow-level error values returned by the vend service.
var (
	ErrRateLimited       = errors.New("rate limited")
	ErrRequestInProgress = errors.New("request already in progress")
	ErrUserMismatch      = errors.New("token subject does not match user")
	ErrInvalidRequest    = errors.New("invalid vend request")
	ErrInvalidConfig     = errors.New("invalid vend service config")
)

// InsufficientCreditsError reports a failed spend with the unchanged balance.
type InsufficientCreditsError struct {
	Balance ledger.Credits
}

// Error returns the formatted error message.
func (creditsError *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: balance %d", creditsError.Balance)
}

// Unwrap ties the workflow error to the ledger sentinel.
func (creditsError *InsufficientCreditsError) Unwrap() error {
	return ledger.ErrInsufficientCredits
}
