package api

// URLResponse carries a hosted page the frontend should redirect to
type URLResponse struct {
	URL string `json:"url"`
}

// ErrorResponse is the body of every non-2xx answer
type ErrorResponse struct {
	Error string `json:"error"`
}
