// Package auth establishes who is calling.
//
// Two credential kinds arrive as "Authorization: Bearer <credential>":
//
//   - API tokens ("tg_" followed by 32 random bytes, base64url). Only the
//     SHA-256 hash is stored in api_tokens; the plaintext is returned once by
//     TokenManager.CreateToken. A token may be pinned to one tenant.
//   - Session tokens: HS256 JWTs issued by SessionAuthenticator, carrying the
//     user id as subject and the current tenant as tenant_id.
//
// A Chain tries the authenticators in order and yields a Principal. The
// tenant stage of the middleware pipeline later turns the principal into an
// AuthContext once the tenant is resolved and the membership checked.
//
//	chain := auth.Chain{
//		auth.NewAPITokenAuthenticator(tokens),
//		sessions,
//	}
//	p, err := chain.Authenticate(ctx, bearer)
package auth
