package email

// NewResendClientAt points the client at a test server.
func NewResendClientAt(apiKey, fromAddr, fromName, baseURL string, to []string, endpoint string) Sender {
	return newResendClient(apiKey, fromAddr, fromName, baseURL, to, endpoint)
}
