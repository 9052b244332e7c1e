// Package dedupe collapses repeated actions within a time window.
//
// The session manager claims a key per (session, request id) before acting
// on a permission or input answer, so a second click, or the same answer
// arriving through another instance, is dropped instead of reaching the
// subprocess twice.
package dedupe
