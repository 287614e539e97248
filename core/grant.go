package core

import "time"

// Grant is one issued session on the identity side. The access and refresh
// token of a login or renewal share it.
type Grant struct {
	ID            string
	Subject       string
	RefreshID     string
	IssuedAt      time.Time
	AccessExpiry  time.Time
	RefreshExpiry time.Time
}
