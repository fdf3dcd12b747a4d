/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package apiutil

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/openfathom/fathom/pkg/config"
	"github.com/openfathom/fathom/pkg/errors"
)

// Authorize enforces the operator bearer token and, when the route names a
// scope, that the token grants it. A token scope matches literally, by
// prefix wildcard ("workflows:*"), or with the global "*".
func Authorize(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !config.IsTokenRequired() {
			c.Next()
			return
		}
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			AbortWithError(c, errors.NewUnauthorized("missing bearer token"))
			return
		}
		operator, ok := lo.Find(config.GetOperatorTokens(), func(t config.OperatorToken) bool {
			return t.Token == token
		})
		if !ok {
			AbortWithError(c, errors.NewUnauthorized("unknown operator token"))
			return
		}
		if scope != "" && !ScopeAllowed(operator.Scopes, scope) {
			AbortWithError(c, errors.NewForbidden("token lacks scope "+scope))
			return
		}
		c.Next()
	}
}

// ScopeAllowed reports whether any granted scope covers required.
func ScopeAllowed(granted []string, required string) bool {
	for _, scope := range granted {
		if scope == "*" || scope == required {
			return true
		}
		if prefix, ok := strings.CutSuffix(scope, ":*"); ok {
			if strings.HasPrefix(required, prefix+":") {
				return true
			}
		}
	}
	return false
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}
