package qualtrics

import "time"

// SetCallTimeout shortens the per-call deadline of JSON requests.
func SetCallTimeout(c *Client, d time.Duration) { c.callTimeout = d }
