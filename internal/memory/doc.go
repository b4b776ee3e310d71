// Package memory holds the single-instance session directory and chat store,
// used when DATABASE_URL is not configured and as the fixture store in tests.
package memory
