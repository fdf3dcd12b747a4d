/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package errors

// Reason codes returned in API error envelopes. Codes are stable once
// released; add new codes at the end, never renumber.
const (
	InternalError       = "Fathom.00001"
	BadRequest          = "Fathom.00002"
	Unauthorized        = "Fathom.00003"
	AlreadyExist        = "Fathom.00004"
	NotFound            = "Fathom.00005"
	Forbidden           = "Fathom.00006"
	Conflict            = "Fathom.00012"
	ConcurrentUpdate    = "Fathom.00013"
	PartitionKeyInvalid = "Fathom.00014"
	DagInvalid          = "Fathom.00015"
	TemplateInvalid     = "Fathom.00016"
	StaleAssets         = "Fathom.00017"
	Throttled           = "Fathom.00018"
	QueueUnavailable    = "Fathom.00019"
	StorageIO           = "Fathom.00020"
	DependencyUnhealthy = "Fathom.00021"
	Timeout             = "Fathom.00022"
)
