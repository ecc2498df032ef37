// Package token mints and parses the identity provider's bearer credentials.
//
// Access and refresh tokens are HS256 JWTs. Every token carries a UUID jti,
// which is the identifier the revocation index and the token records key on,
// so revoking a token never requires storing its value.
//
//	iss, err := token.NewIssuer(token.Config{
//	    Issuer:     "https://idp.example.com",
//	    SigningKey: key,
//	})
//	pair, err := iss.IssueForAuthorizationCode(code, client)
//
// Parse only checks signature, algorithm, issuer and the presence of the
// required claims. Expiry and revocation are the caller's concern.
package token
