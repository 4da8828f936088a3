package session

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/coachpo/tickwire/errs"
	"github.com/coachpo/tickwire/internal/domain/schema"
)

// ParseTokens accepts either an OAuth redirect query
// (acct1=CR1&token1=a1-x&cur1=USD&acct2=...) or a plain list of tokens
// separated by commas or whitespace. Duplicate tokens are dropped.
func ParseTokens(raw string) ([]schema.Credential, error) {
	raw = strings.TrimSpace(raw)
	if idx := strings.Index(raw, "?"); idx >= 0 {
		raw = raw[idx+1:]
	}
	if raw == "" {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("no tokens supplied"))
	}

	var creds []schema.Credential
	if strings.Contains(raw, "token1=") {
		values, err := url.ParseQuery(raw)
		if err != nil {
			return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("parse token query"), errs.WithCause(err))
		}
		for i := 1; ; i++ {
			n := strconv.Itoa(i)
			token := strings.TrimSpace(values.Get("token" + n))
			if token == "" {
				break
			}
			creds = append(creds, schema.Credential{
				LoginID:  strings.ToUpper(strings.TrimSpace(values.Get("acct" + n))),
				Token:    token,
				Currency: strings.ToUpper(strings.TrimSpace(values.Get("cur" + n))),
			})
		}
	} else {
		fields := strings.FieldsFunc(raw, func(r rune) bool {
			return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
		})
		for _, token := range fields {
			creds = append(creds, schema.Credential{LoginID: "", Token: token, Currency: ""})
		}
	}

	creds = dedupeCredentials(creds)
	if len(creds) == 0 {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("no tokens supplied"))
	}
	return creds, nil
}

func dedupeCredentials(creds []schema.Credential) []schema.Credential {
	seen := make(map[string]struct{}, len(creds))
	out := make([]schema.Credential, 0, len(creds))
	for _, cred := range creds {
		if cred.Token == "" {
			continue
		}
		if _, dup := seen[cred.Token]; dup {
			continue
		}
		seen[cred.Token] = struct{}{}
		out = append(out, cred)
	}
	return out
}

// maskToken keeps the first four characters for log lines.
func maskToken(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return token[:4] + "****"
}
