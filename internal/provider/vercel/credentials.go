package vercel

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Credential sources, in priority order.
const (
	SourceToken   = "token"
	SourceOIDC    = "oidc"
	SourceDefault = "default"
)

type credentials struct {
	source    string
	bearer    string
	teamID    string
	projectID string
}

// resolveCredentials picks explicit token credentials first, then the OIDC
// token, then ambient default auth with no Authorization header.
func resolveCredentials(cfg Config) (credentials, error) {
	if cfg.Token != "" && cfg.TeamID != "" && cfg.ProjectID != "" {
		return credentials{
			source:    SourceToken,
			bearer:    cfg.Token,
			teamID:    cfg.TeamID,
			projectID: cfg.ProjectID,
		}, nil
	}

	if cfg.OIDCToken != "" {
		claims, err := oidcClaims(cfg.OIDCToken)
		if err != nil {
			return credentials{}, err
		}
		c := credentials{
			source:    SourceOIDC,
			bearer:    cfg.OIDCToken,
			teamID:    claims.ownerID,
			projectID: claims.projectID,
		}
		// explicit IDs override the token's claims
		if cfg.TeamID != "" {
			c.teamID = cfg.TeamID
		}
		if cfg.ProjectID != "" {
			c.projectID = cfg.ProjectID
		}
		return c, nil
	}

	return credentials{
		source:    SourceDefault,
		teamID:    cfg.TeamID,
		projectID: cfg.ProjectID,
	}, nil
}

type tokenClaims struct {
	ownerID   string
	projectID string
}

// oidcClaims reads the owner and project from an OIDC token. The token is
// verified by the Vercel API, not here.
func oidcClaims(token string) (tokenClaims, error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return tokenClaims{}, fmt.Errorf("parse OIDC token: %w", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return tokenClaims{}, fmt.Errorf("parse OIDC token: unexpected claims type")
	}
	owner, _ := claims["owner_id"].(string)
	project, _ := claims["project_id"].(string)
	return tokenClaims{ownerID: owner, projectID: project}, nil
}
