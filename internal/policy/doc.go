// Package policy holds the static, read-only rules the fetch interceptor
// consults per request: the extension-keyed TTL table and the blacklist of
// URLs that must never be written to the content cache. Both structures are
// built once from config and shared by every request without locking.
package policy
