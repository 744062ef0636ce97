package auth

import "github.com/golang-jwt/jwt/v5"

// ScopeFulfill allows calling the internal fulfillment trigger.
const ScopeFulfill = "fulfillments:trigger"

// ServiceClaims is the JWT carried by internal callers (scheduler, operator
// CLI, post-payment page backend).
type ServiceClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}
