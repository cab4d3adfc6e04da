package provider

import "context"

// FetchResult is the cleaned text of a fetched page plus whatever title
// could be extracted from it.
type FetchResult struct {
	Title string
	Text  string
}

// Fetcher retrieves and cleans remote documentation content.
type Fetcher interface {
	// Fetch downloads the URI and returns its cleaned text content.
	Fetch(ctx context.Context, uri string) (*FetchResult, error)
}
