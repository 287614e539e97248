package http

import (
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

var errInsufficientCredits = errors.New("insufficient credits")

// Ledger keeps a credit balance per subject. New subjects start with the
// opening balance.
type Ledger struct {
	mu       sync.Mutex
	opening  decimal.Decimal
	balances map[string]decimal.Decimal
}

// NewLedger creates a ledger
func NewLedger(opening decimal.Decimal) *Ledger {
	return &Ledger{
		opening:  opening,
		balances: make(map[string]decimal.Decimal),
	}
}

// Balance returns the subject's balance
func (l *Ledger) Balance(subject string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceLocked(subject)
}

// Spend debits amount and returns the remaining balance
func (l *Ledger) Spend(subject string, amount decimal.Decimal) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	balance := l.balanceLocked(subject)
	if balance.LessThan(amount) {
		return balance, errInsufficientCredits
	}
	balance = balance.Sub(amount)
	l.balances[subject] = balance
	return balance, nil
}

func (l *Ledger) balanceLocked(subject string) decimal.Decimal {
	if balance, ok := l.balances[subject]; ok {
		return balance
	}
	return l.opening
}

// ResourceHandlers serves the protected resources
type ResourceHandlers struct {
	ledger *Ledger
}

// NewResourceHandlers creates resource handlers over a ledger
func NewResourceHandlers(ledger *Ledger) *ResourceHandlers {
	if ledger == nil {
		ledger = NewLedger(decimal.Zero)
	}
	return &ResourceHandlers{ledger: ledger}
}

// Balance returns the caller's credit balance
func (h *ResourceHandlers) Balance(c *gin.Context) {
	subject := c.GetString(subjectKey)
	c.JSON(http.StatusOK, gin.H{
		"subject": subject,
		"balance": h.ledger.Balance(subject).StringFixed(2),
	})
}

// Spend debits the caller's credits
func (h *ResourceHandlers) Spend(c *gin.Context) {
	var req struct {
		Amount decimal.Decimal `json:"amount"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if !req.Amount.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Amount must be positive"})
		return
	}

	subject := c.GetString(subjectKey)
	balance, err := h.ledger.Spend(subject, req.Amount)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "Insufficient credits",
			"balance": balance.StringFixed(2),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"subject": subject,
		"balance": balance.StringFixed(2),
	})
}

// Echo reflects the request back so callers can see what was sent
func (h *ResourceHandlers) Echo(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"subject":      c.GetString(subjectKey),
		"request_id":   c.GetHeader("X-Request-ID"),
		"content_type": c.GetHeader("Content-Type"),
		"body":         string(body),
	})
}
