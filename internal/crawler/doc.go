// Package crawler holds the types and capability interfaces shared by the
// listing, chapter index, extraction and orchestration packages: the work
// candidate record and its builder, fetch error taxonomy, the bounded retry
// policy applied at the fetch boundary, and URL helpers.
package crawler
