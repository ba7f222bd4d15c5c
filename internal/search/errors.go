package search

import "fmt"

// ErrorCode classifies search failures so plugin code can branch on codes
// instead of matching error strings.
type ErrorCode string

const (
	CodeInvalidField    ErrorCode = "invalid_field"
	CodeInvalidOperator ErrorCode = "invalid_operator"
	CodeInvalidValue    ErrorCode = "invalid_value"
	CodeNotFound        ErrorCode = "not_found"
)

// Error is a structured search error.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("search: %s: %s", e.Code, e.Message)
}

// Response renders the error in the wire shape plugins consume.
func (e *Error) Response() map[string]any {
	return map[string]any{
		"status": "error",
		"error": map[string]any{
			"code":    string(e.Code),
			"message": e.Message,
		},
	}
}

func invalidField(field string) *Error {
	return &Error{Code: CodeInvalidField, Message: fmt.Sprintf("unknown searchable field %q", field)}
}

func invalidOperator(op, field string) *Error {
	return &Error{Code: CodeInvalidOperator, Message: fmt.Sprintf("operator %q is not valid for field %q", op, field)}
}

func invalidValue(msg string) *Error {
	return &Error{Code: CodeInvalidValue, Message: msg}
}

func notFound(msg string) *Error {
	return &Error{Code: CodeNotFound, Message: msg}
}
