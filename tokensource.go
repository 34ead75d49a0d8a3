package dbconnector

import (
	"context"
	"time"

	"golang.org/x/oauth2"
)

// oauth2IdentityTokenSource adapts an oauth2.TokenSource to the
// refresh.IdentityTokenSource / dial identity-token interfaces, both of
// which take a ctx and return the bare access token string plus its expiry
// rather than a full *oauth2.Token.
type oauth2IdentityTokenSource struct {
	ts oauth2.TokenSource
}

func (s oauth2IdentityTokenSource) Token(_ context.Context) (string, time.Time, error) {
	tok, err := s.ts.Token()
	if err != nil {
		return "", time.Time{}, err
	}
	return tok.AccessToken, tok.Expiry, nil
}
