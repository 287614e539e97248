package ports

import "github.com/layer-3/gatekeeper/core"

// Tokenizer reads what it can from an access token
type Tokenizer interface {
	Inspect(accessToken string) (core.TokenInfo, error)
}
