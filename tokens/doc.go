// Package tokens caches short-lived access tokens for outbound API calls.
// Tokens are fetched lazily on first use and renewed shortly before they
// expire.
package tokens
