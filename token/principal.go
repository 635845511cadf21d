package token

// Principal is the authenticated identity produced by a successful validation
type Principal struct {
	Subject string
	Claims  map[string]interface{}
}

// StringClaim returns a claim as a string, or "" when absent or not a string
func (p *Principal) StringClaim(name string) string {
	s, _ := p.Claims[name].(string)
	return s
}

// Roles returns the realm roles carried in the Keycloak "realm_access" claim
func (p *Principal) Roles() []string {
	access, ok := p.Claims["realm_access"].(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := access["roles"].([]interface{})
	if !ok {
		return nil
	}
	roles := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			roles = append(roles, s)
		}
	}
	return roles
}

// HasRole reports whether the principal holds the realm role
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles() {
		if r == role {
			return true
		}
	}
	return false
}
