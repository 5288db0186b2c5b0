package approval

import "strings"

// Token is a canonical approval reply.
type Token string

const (
	TokenApprove Token = "APPROVE"
	TokenEdit    Token = "EDIT"
	TokenReject  Token = "REJECT"
	TokenView    Token = "VIEW"
	TokenUnknown Token = ""
)

// tokenAliases maps inbound text, including symbolic aliases and single
// letters, to canonical tokens.
var tokenAliases = map[string]Token{
	"approve": TokenApprove,
	"a":       TokenApprove,
	"yes":     TokenApprove,
	"✅":       TokenApprove,
	"👍":       TokenApprove,
	"edit":    TokenEdit,
	"e":       TokenEdit,
	"✏️":      TokenEdit,
	"reject":  TokenReject,
	"r":       TokenReject,
	"no":      TokenReject,
	"❌":       TokenReject,
	"👎":       TokenReject,
	"view":    TokenView,
	"v":       TokenView,
	"👀":       TokenView,
}

// NormalizeToken maps a raw reply to a canonical token, or TokenUnknown.
func NormalizeToken(text string) Token {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if token, ok := tokenAliases[normalized]; ok {
		return token
	}
	return TokenUnknown
}
