/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package model

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/openfathom/fathom/pkg/errors"
)

var runKeyFolder = cases.Fold()

// NormalizeRunKey produces the canonical form used for run-key uniqueness:
// Unicode NFKC, case fold, surrounding whitespace trimmed. The normalized
// form must be non-empty and at most MaxRunKeyLength characters.
func NormalizeRunKey(key string) (string, error) {
	normalized := norm.NFKC.String(key)
	normalized = runKeyFolder.String(normalized)
	normalized = strings.TrimSpace(normalized)
	if normalized == "" {
		return "", errors.NewBadRequest("runKey must not be empty")
	}
	if utf8.RuneCountInString(normalized) > MaxRunKeyLength {
		return "", errors.NewBadRequest("runKey exceeds 200 characters")
	}
	return normalized, nil
}
