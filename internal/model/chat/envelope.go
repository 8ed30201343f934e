package chat

// APIError is the error block of a failed envelope.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PageMeta describes a paginated response.
type PageMeta struct {
	Page          int   `json:"page"`
	Size          int   `json:"size"`
	TotalPages    int   `json:"totalPages"`
	TotalElements int64 `json:"totalElements"`
}

// Envelope wraps every REST response of the chat backend.
type Envelope[T any] struct {
	Success bool      `json:"success"`
	Data    T         `json:"data"`
	Error   *APIError `json:"error,omitempty"`
	Meta    *PageMeta `json:"meta,omitempty"`
}
