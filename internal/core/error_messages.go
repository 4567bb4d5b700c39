package core

// Error codes reference.
//
// MapError turns technical errors into messages with a code users can quote
// to support. Codes are grouped by category:
//
// # Database (DB001-DB099)
//
//	DB001 - Connection refused: Unable to connect to the catalog database
//	DB002 - Connection reset: Database connection was interrupted
//	DB003 - Deadlock: Database was busy with conflicting operations
//	DB004 - Check constraint: A value was rejected by the catalog
//
// # Validation (VAL001-VAL099)
//
//	VAL001 - Missing column: sku or name header is absent
//
// # File (FILE001-FILE099)
//
//	FILE001 - File too large
//	FILE002 - Not a CSV: only .csv uploads are accepted
//	FILE003 - Empty file: no header row
//	FILE004 - No file: multipart field missing
//
// # Import (IMP001-IMP099)
//
//	IMP001 - System busy: too many concurrent imports
//	IMP002 - Task not found: unknown or expired task id
//	IMP003 - Interrupted: the worker stopped before finishing
//	IMP004 - Product not found: no catalog entry for the SKU
//
// # Webhooks (HOOK001-HOOK099)
//
//	HOOK001 - Webhook not found
//	HOOK002 - Invalid webhook definition
//
// # Request (REQ001-REQ099)
//
//	REQ001 - Request cancelled
//	REQ002 - Request timed out
//	REQ003 - Invalid request body
//
// # Rate Limiting (RATE001-RATE099)
//
//	RATE001 - Too many requests
//
// # Default (ERR000)
//
//	ERR000 - Unknown error; check logs for the original error
//
// Row-level problems are not mapped; they only count toward failed_rows.
//
// Patterns are matched case-insensitively with strings.Contains and the first
// match wins, so specific patterns come before general ones.

import "strings"

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string // What happened (user-friendly)
	Action  string // What to do about it
	Code    string // Error code for support reference
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

var errorPatterns = []errorPattern{
	// Validation
	{
		pattern: "missing required columns",
		msg: UserMessage{
			Message: "Required column is missing from CSV",
			Action:  "Make sure the header row contains sku and name",
			Code:    "VAL001",
		},
	},

	// File
	{
		pattern: "file too large",
		msg: UserMessage{
			Message: "File exceeds the maximum upload size",
			Action:  "Split the file into smaller chunks",
			Code:    "FILE001",
		},
	},
	{
		pattern: "file must be a csv",
		msg: UserMessage{
			Message: "File must be a CSV",
			Action:  "Upload a file with a .csv extension",
			Code:    "FILE002",
		},
	},
	{
		pattern: "csv file is empty",
		msg: UserMessage{
			Message: "The uploaded file is empty",
			Action:  "Upload a CSV file with a header row and data rows",
			Code:    "FILE003",
		},
	},
	{
		pattern: "no file provided",
		msg: UserMessage{
			Message: "No file was provided",
			Action:  "Send the CSV in the multipart field named file",
			Code:    "FILE004",
		},
	},

	// Import
	{
		pattern: "too many concurrent imports",
		msg: UserMessage{
			Message: "System is busy processing other imports",
			Action:  "Please wait a moment and try again",
			Code:    "IMP001",
		},
	},
	{
		pattern: "task not found",
		msg: UserMessage{
			Message: "Task not found",
			Action:  "The task id is unknown or its progress has expired",
			Code:    "IMP002",
		},
	},
	{
		pattern: "import interrupted",
		msg: UserMessage{
			Message: "The import was interrupted",
			Action:  "Upload the file again; rows already imported will be updated in place",
			Code:    "IMP003",
		},
	},

	// Webhooks
	{
		pattern: "webhook not found",
		msg: UserMessage{
			Message: "Webhook not found",
			Action:  "Verify the webhook id",
			Code:    "HOOK001",
		},
	},
	{
		pattern: "invalid webhook",
		msg: UserMessage{
			Message: "Invalid webhook definition",
			Action:  "Provide an absolute http(s) url and an event_type of at most 50 characters",
			Code:    "HOOK002",
		},
	},

	{
		pattern: "product not found",
		msg: UserMessage{
			Message: "Product not found",
			Action:  "Check the SKU; lookups ignore case",
			Code:    "IMP004",
		},
	},

	// Database
	{
		pattern: "connection refused",
		msg: UserMessage{
			Message: "Unable to connect to database",
			Action:  "Please try again in a few moments",
			Code:    "DB001",
		},
	},
	{
		pattern: "connection reset",
		msg: UserMessage{
			Message: "Database connection was interrupted",
			Action:  "Please try again",
			Code:    "DB002",
		},
	},
	{
		pattern: "deadlock",
		msg: UserMessage{
			Message: "Database was busy with conflicting operations",
			Action:  "Please try again",
			Code:    "DB003",
		},
	},
	{
		pattern: "check constraint",
		msg: UserMessage{
			Message: "A value was rejected by the catalog",
			Action:  "Review the row values against the column rules",
			Code:    "DB004",
		},
	},

	// Request
	{
		pattern: "context canceled",
		msg: UserMessage{
			Message: "Request was cancelled",
			Action:  "Please try again",
			Code:    "REQ001",
		},
	},
	{
		pattern: "context deadline exceeded",
		msg: UserMessage{
			Message: "Request timed out",
			Action:  "Try a smaller file or check your connection",
			Code:    "REQ002",
		},
	},
	{
		pattern: "invalid request body",
		msg: UserMessage{
			Message: "The request body could not be read",
			Action:  "Send valid JSON matching the documented fields",
			Code:    "REQ003",
		},
	},

	// Rate limiting
	{
		pattern: "rate limit",
		msg: UserMessage{
			Message: "Too many requests",
			Action:  "Please wait a moment before trying again",
			Code:    "RATE001",
		},
	},
}

var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message. A nil
// error maps to the zero UserMessage.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	errStr := strings.ToLower(err.Error())
	for _, p := range errorPatterns {
		if strings.Contains(errStr, p.pattern) {
			return p.msg
		}
	}
	return defaultMessage
}
