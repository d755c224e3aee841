package dto

// ErrorResponseDTO is the body of every non-2xx API response.
// Have and Need are set for insufficient_credits.
type ErrorResponseDTO struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Have  *int64 `json:"have,omitempty"`
	Need  *int64 `json:"need,omitempty"`
}
