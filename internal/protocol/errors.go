package protocol

// Error codes carried in HTTP error bodies. The websocket never answers with
// errors; malformed input there is logged and ignored.
const (
	ErrBadRequest = "E_BAD_REQUEST"
	ErrNotFound   = "E_NOT_FOUND"
	ErrConflict   = "E_CONFLICT"
	ErrForbidden  = "E_FORBIDDEN"
	ErrRateLimit  = "E_RATE_LIMIT"
	ErrInternal   = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrBadRequest: {},
	ErrNotFound:   {},
	ErrConflict:   {},
	ErrForbidden:  {},
	ErrRateLimit:  {},
	ErrInternal:   {},
}

// ErrorBody is the JSON error response of the HTTP API.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
