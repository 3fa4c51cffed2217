// Package crawler defines the frontier data model, the interfaces shared by the
// claim coordinator, politeness gate, fetcher and worker loop, and the URL
// helpers that keep frontier rows unique.
package crawler
